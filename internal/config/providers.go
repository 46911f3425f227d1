package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/ehr/facade/internal/platform/provider"
	"github.com/ehr/facade/internal/platform/provider/fhirclient"
)

// ProviderEntry is one upstream server in the providers file.
//
//	providers:
//	  - name: emis
//	    display_name: EMIS Web
//	    system: https://fhir.nhs.uk/Id/ods-organization-code
//	    code: YGA
//	    source_id: urn:uuid:...
//	    base_url: https://emis.example.org/fhir
//	    token: ${EMIS_TOKEN}
//	    capabilities:
//	      Patient: [Everything, GetStructuredRecord]
type ProviderEntry struct {
	provider.Info `mapstructure:",squash"`
	BaseURL       string              `mapstructure:"base_url"`
	Token         string              `mapstructure:"token"`
	Capabilities  map[string][]string `mapstructure:"capabilities"`
}

// LoadProviders reads the provider registry file at path. YAML, JSON and
// TOML are accepted. Tokens may reference environment variables as ${NAME}.
func LoadProviders(path string) ([]fhirclient.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read providers file %s: %w", path, err)
	}

	var entries []ProviderEntry
	if err := v.UnmarshalKey("providers", &entries); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("providers file %s lists no providers", path)
	}

	out := make([]fhirclient.Config, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("providers file %s: entry %d has no name", path, i)
		}
		if strings.TrimSpace(e.BaseURL) == "" {
			return nil, fmt.Errorf("providers file %s: provider %q has no base_url", path, e.Name)
		}
		var caps provider.Capabilities
		if len(e.Capabilities) > 0 {
			caps = provider.Capabilities(e.Capabilities).Clone()
		}
		out = append(out, fhirclient.Config{
			Info:         e.Info,
			BaseURL:      e.BaseURL,
			Token:        os.ExpandEnv(e.Token),
			Capabilities: caps,
		})
	}
	return out, nil
}
