package apps

import "grimm.is/appwall/internal/policy"

// NextConnectionMode applies a network toggle to a connection mode.
//
// The table is total over every mode, kind and direction, and a toggle that
// is already in effect leaves the mode unchanged. Turning a block on and then
// off for the same network returns the original mode.
func NextConnectionMode(cur policy.ConnectionMode, kind policy.NetworkKind, block bool) policy.ConnectionMode {
	wifi, mobile := blocked(cur)
	switch kind {
	case policy.NetworkWiFi:
		wifi = block
	case policy.NetworkMobile:
		mobile = block
	default:
		return cur
	}
	return compose(wifi, mobile)
}

// blocked splits a mode into its per-network block bits. Wi-Fi is the
// unmetered network and mobile the metered one.
func blocked(m policy.ConnectionMode) (wifi, mobile bool) {
	switch m {
	case policy.ConnUnmetered:
		return true, false
	case policy.ConnMetered:
		return false, true
	case policy.ConnBoth:
		return true, true
	}
	return false, false
}

func compose(wifi, mobile bool) policy.ConnectionMode {
	switch {
	case wifi && mobile:
		return policy.ConnBoth
	case wifi:
		return policy.ConnUnmetered
	case mobile:
		return policy.ConnMetered
	}
	return policy.ConnAllow
}
