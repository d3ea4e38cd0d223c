package config

import "flag"

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr    string
	Base    string
	Config  string
	Network string
	Set     map[string]bool
}

// ParseFlags parses command-line flags and returns them as a Flags struct.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	basePtr := flag.String("base", "./.reports", "base directory for report segments")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	netPtr := flag.String("network", "", "required network (mainnet|testnet)")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, Base: *basePtr, Config: *cfgPtr, Network: *netPtr, Set: set}
}

// ApplyFlags overlays explicitly set flags onto cfg. Flags always win over
// file and env values.
func ApplyFlags(cfg *Config, fl Flags) {
	if fl.Set["addr"] {
		cfg.Server.Address = fl.Addr
	}
	if fl.Set["base"] {
		cfg.Ingest.BasePath = fl.Base
	}
	if fl.Set["network"] {
		cfg.Network = fl.Network
	}
}
