// Command oidc-check verifies a provider setup from the service configuration:
// it runs discovery, fetches the signing keys and, when given a token,
// verifies it and prints the normalized identity.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hewjoe/storied-life/internal/config"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/hewjoe/storied-life/pkg/logger"
	"github.com/spf13/pflag"
)

type options struct {
	envFile string
	timeout time.Duration
	token   string
	json    bool
}

func (o *options) addFlags(f *pflag.FlagSet) {
	f.StringVar(&o.envFile, "env-file", "", "Load configuration from this .env file.")
	f.DurationVar(&o.timeout, "timeout", 15*time.Second, "Overall deadline for provider requests.")
	f.StringVar(&o.token, "token", "", "Provider token to verify; \"-\" reads it from stdin.")
	f.BoolVar(&o.json, "json", false, "Print the report as JSON.")
}

type report struct {
	Provider  oidc.Kind            `json:"provider"`
	Issuer    string               `json:"issuer"`
	Endpoints oidc.Endpoints       `json:"endpoints"`
	Keys      []string             `json:"keys"`
	Identity  *oidc.IdentityClaims `json:"identity,omitempty"`
}

func main() {
	o := &options{}
	flags := pflag.NewFlagSet("oidc-check", pflag.ExitOnError)
	o.addFlags(flags)
	_ = flags.Parse(os.Args[1:])

	logger.Init("warn")
	if o.envFile != "" {
		_ = os.Setenv("ENV_FILE", o.envFile)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if o.token == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read token: %v\n", err)
			os.Exit(2)
		}
		o.token = strings.TrimSpace(string(b))
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := check(ctx, cfg.OIDC, o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "oidc-check: %v\n", err)
		os.Exit(1)
	}
}

func check(ctx context.Context, c config.OIDCConfig, o *options, out io.Writer) error {
	pc, err := oidc.NewProviderConfig(c)
	if err != nil {
		return err
	}
	return checkWith(ctx, pc, oidc.NewHTTPClient(pc.HTTPTimeout), o, out)
}

func checkWith(ctx context.Context, pc oidc.ProviderConfig, client *http.Client, o *options, out io.Writer) error {
	resolver, err := oidc.NewResolver(pc, client)
	if err != nil {
		return err
	}
	eps, err := resolver.Endpoints(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	keys := oidc.NewKeyCache(resolver.HTTPClient())
	keys.Register(pc.Kind, resolver.JWKSURI)
	set, err := keys.Keys(ctx, pc.Kind)
	if err != nil {
		return fmt.Errorf("jwks: %w", err)
	}

	kids := make([]string, 0, len(set.Keys))
	for kid := range set.Keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	r := report{Provider: pc.Kind, Issuer: pc.Issuer, Endpoints: eps, Keys: kids}
	if o.token != "" {
		v, err := oidc.NewVerifier(resolver.Config(), keys)
		if err != nil {
			return err
		}
		ic, err := v.Verify(ctx, o.token)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		r.Identity = ic
	}
	return write(out, r, o.json)
}

func write(out io.Writer, r report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	discovered := "fallback"
	if r.Endpoints.Discovered {
		discovered = "discovered"
	}
	fmt.Fprintf(out, "provider:      %s\n", r.Provider)
	fmt.Fprintf(out, "issuer:        %s\n", r.Issuer)
	fmt.Fprintf(out, "endpoints:     %s\n", discovered)
	fmt.Fprintf(out, "  authorize:   %s\n", r.Endpoints.AuthURL)
	fmt.Fprintf(out, "  token:       %s\n", r.Endpoints.TokenURL)
	fmt.Fprintf(out, "  jwks:        %s\n", r.Endpoints.JWKSURI)
	fmt.Fprintf(out, "  end session: %s\n", r.Endpoints.EndSessionURL)
	fmt.Fprintf(out, "signing keys:  %v\n", r.Keys)
	if ic := r.Identity; ic != nil {
		fmt.Fprintf(out, "token:         valid until %s\n", ic.ExpiresAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  subject:     %s\n", ic.Subject)
		fmt.Fprintf(out, "  email:       %s (verified %t)\n", ic.Email, ic.EmailVerified)
		fmt.Fprintf(out, "  username:    %s\n", ic.Username)
		fmt.Fprintf(out, "  groups:      %v\n", ic.Groups)
	}
	return nil
}
