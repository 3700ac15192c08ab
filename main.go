package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"grimm.is/appwall/cmd"
	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/policy"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		configFile := fs.String("config", brand.DefaultConfigPath(), "Configuration file")
		fs.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		fs.Parse(os.Args[2:])
		if err := cmd.RunServe(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := fs.String("config", brand.DefaultConfigPath(), "Configuration file")
		fs.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		print := fs.Bool("print", false, "Print the effective configuration")
		fs.Parse(os.Args[2:])
		if fs.NArg() > 0 {
			*configFile = fs.Arg(0)
		}
		if err := cmd.RunCheck(*configFile, *print); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "eval":
		fs := flag.NewFlagSet("eval", flag.ExitOnError)
		configFile := fs.String("config", brand.DefaultConfigPath(), "Configuration file")
		fs.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		db := fs.String("db", "", "Policy database (overrides config)")
		uid := fs.String("uid", "", "App UID or \"everybody\"")
		ip := fs.String("ip", "", "Destination address")
		port := fs.Uint("port", 0, "Destination port")
		domain := fs.String("domain", "", "Queried domain")
		metering := fs.String("metering", "", "Network metering: metered, unmetered or unknown")
		asJSON := fs.Bool("json", false, "JSON output")
		fs.Parse(os.Args[2:])

		parsed, err := policy.ParseUID(*uid)
		if err != nil || *port > 65535 {
			fmt.Fprintf(os.Stderr, "usage: %s eval -uid N -ip A [-port P] [-domain D]\n", brand.LowerName)
			os.Exit(2)
		}
		err = cmd.RunEval(context.Background(), cmd.EvalOptions{
			ConfigFile: *configFile,
			Database:   *db,
			Query:      engine.Query{UID: parsed, IP: *ip, Port: uint16(*port), Domain: *domain},
			Metering:   *metering,
			JSON:       *asJSON,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Eval failed: %v\n", err)
			os.Exit(1)
		}

	case "ruleset":
		fs := flag.NewFlagSet("ruleset", flag.ExitOnError)
		asJSON := fs.Bool("json", false, "JSON output")
		fs.Parse(os.Args[2:])
		if err := cmd.RunRuleset(*asJSON); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s version %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  serve     Load the stored policy and serve the control API
            Options: --config (-c) <file>
  check     Validate configuration file
            Options: --config (-c) <file>, --print
  eval      Evaluate one connection against the stored policy
            Options: -uid, -ip, -port, -domain, -metering, -db, -json
  ruleset   Print the rule catalog
            Options: -json
  version   Show version
`, brand.Name, brand.Description, brand.LowerName)
}
