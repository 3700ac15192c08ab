package policy

// MutationObserver is told about every mutation attempt on a rule table,
// successful or not. table is one of "app_policies", "ip_rules" or
// "domain_rules"; err is nil on success.
type MutationObserver func(table, op string, err error)

// Observe calls o if it is set.
func (o MutationObserver) Observe(table, op string, err error) {
	if o != nil {
		o(table, op, err)
	}
}
