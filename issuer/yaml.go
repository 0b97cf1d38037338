package issuer

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLSource is an ExternalSource backed by a YAML document of the form:
//
//	issuers:
//	  keycloak:
//	    name: https://kc.example.com/realms/main
//	    jwksUri: https://kc.example.com/realms/main/protocol/openid-connect/certs
//	    audience: gateway
//
// Scalar values of any YAML type are converted to their string form.
type YAMLSource struct {
	loaded  bool
	issuers map[string]map[string]string
}

type yamlDocument struct {
	Issuers map[string]map[string]any `yaml:"issuers"`
}

// ParseYAML builds a YAMLSource from raw YAML.
func ParseYAML(raw []byte) (*YAMLSource, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("issuer: parse yaml: %w", err)
	}
	src := &YAMLSource{loaded: true, issuers: make(map[string]map[string]string, len(doc.Issuers))}
	for id, fields := range doc.Issuers {
		bag := make(map[string]string, len(fields))
		for k, v := range fields {
			switch tv := v.(type) {
			case nil:
				continue
			case string:
				bag[k] = tv
			case map[string]any, []any:
				return nil, fmt.Errorf("issuer: yaml issuer %q property %q: expected scalar", id, k)
			default:
				bag[k] = fmt.Sprint(tv)
			}
		}
		src.issuers[id] = bag
	}
	return src, nil
}

// LoadYAMLFile reads and parses path. A missing file yields a source that
// reports itself as not loaded, so inline properties apply alone.
func LoadYAMLFile(path string) (*YAMLSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &YAMLSource{}, nil
		}
		return nil, fmt.Errorf("issuer: read yaml: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return &YAMLSource{}, nil
	}
	return ParseYAML(raw)
}

func (s *YAMLSource) IsConfigurationLoaded() bool { return s != nil && s.loaded }

func (s *YAMLSource) IssuerIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.issuers))
	for id := range s.issuers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *YAMLSource) IssuerProperties(id string) map[string]string {
	if s == nil {
		return nil
	}
	out := make(map[string]string, len(s.issuers[id]))
	for k, v := range s.issuers[id] {
		out[k] = v
	}
	return out
}

var _ ExternalSource = (*YAMLSource)(nil)
