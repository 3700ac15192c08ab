package cmd

import (
	"errors"
	"fmt"

	"grimm.is/appwall/internal/config"
)

// RunCheck validates the configuration file. With print set the effective
// configuration, defaults included, is written as HCL.
func RunCheck(configFile string, print bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				fmt.Fprintf(Stderr, "  %s\n", e.Error())
			}
			return fmt.Errorf("configuration invalid: %d problem(s)", len(verrs))
		}
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Fprintf(Stdout, "Configuration valid!\n")
	fmt.Fprintf(Stdout, "Database: %s\n", cfg.DatabasePath())
	fmt.Fprintf(Stdout, "Proxy capacity: %d per country\n", cfg.Engine.ProxyCapacity)
	fmt.Fprintf(Stdout, "API: %s\n", cfg.API.Listen)
	if print {
		fmt.Fprintln(Stdout)
		Stdout.Write(cfg.Encode())
	}
	return nil
}
