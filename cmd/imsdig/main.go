package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	imscore "github.com/crestline/imscore"
	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:   "imsdig config.toml name [type]",
		Short: "Diagnostic lookup tool for the imscore caching DNS resolver",
		Long: `Diagnostic lookup tool for the imscore caching DNS resolver.

Runs one or more queries through the same cached resolver the
signaling nodes embed, including the static-records overlay,
and prints the results together with the cache contents.
`,
		Example:      `  imsdig config.toml sip.example.com SRV`,
		Args:         cobra.RangeArgs(2, 3),
		RunE:         run,
		SilenceUsage: true,
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	name := args[1]
	rrtype := dns.TypeA
	if len(args) > 2 {
		t, ok := dns.StringToType[strings.ToUpper(args[2])]
		if !ok {
			return fmt.Errorf("unknown record type %q", args[2])
		}
		rrtype = t
	}

	var static *imscore.StaticDNSCache
	if cfg.StaticRecords != "" {
		static = imscore.NewStaticDNSCache(cfg.StaticRecords, imscore.StaticDNSCacheOptions{})
		defer static.Close()
	}

	transport := imscore.NewDNSExchanger(imscore.DNSExchangerOptions{
		Servers: cfg.Servers,
		Timeout: cfg.timeout(),
	})
	resolver := imscore.NewDNSCachedResolver(transport, imscore.DNSCacheOptions{
		Static:      static,
		NegativeTTL: time.Duration(cfg.NegativeTTLSeconds) * time.Second,
		StaleGrace:  time.Duration(cfg.StaleGraceSeconds) * time.Second,
	})

	result := resolver.Resolve(name, rrtype, 0)
	fmt.Printf("%s %s ttl=%d\n", result.Domain, dns.Type(result.RRType), result.TTL)
	for _, rec := range result.Records {
		fmt.Printf("  %s\n", rec)
	}
	fmt.Println()
	fmt.Print(resolver.Display())
	return nil
}
