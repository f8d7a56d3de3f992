// Package catalog loads the services and endpoints that jobs can be submitted to.
package catalog

import (
	"cmp"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/remote"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol selects how a service is called.
type Protocol string

// Protocol constants
const (
	ProtocolSocaity   Protocol = "socaity"
	ProtocolRunpod    Protocol = "runpod"
	ProtocolReplicate Protocol = "replicate"
	ProtocolDocker    Protocol = "docker"
)

// ReplicateURL is the API base used by replicate services without a url.
const ReplicateURL = "https://api.replicate.com"

// HTTP reports whether the protocol talks to a remote HTTP API.
func (p Protocol) HTTP() bool {
	return p == ProtocolSocaity || p == ProtocolRunpod || p == ProtocolReplicate
}

// Service is one callable service and its endpoints.
type Service struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name,omitempty"`
	Protocol  Protocol   `yaml:"protocol" json:"protocol"`
	URL       string     `yaml:"url" json:"url,omitempty"`
	APIKeyEnv string     `yaml:"api_key_env" json:"-"`
	APIKey    string     `yaml:"-" json:"-"`
	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints"`
}

// Endpoint is the file form of an endpoint.
type Endpoint struct {
	ID           string             `yaml:"id" json:"id"`
	Path         string             `yaml:"path" json:"path,omitempty"`
	Image        string             `yaml:"image" json:"image,omitempty"`
	Command      []string           `yaml:"command" json:"command,omitempty"`
	PollInterval time.Duration      `yaml:"poll_interval" json:"pollInterval,omitempty"`
	Timeout      time.Duration      `yaml:"timeout" json:"timeout,omitempty"`
	Cancellable  *bool              `yaml:"cancellable" json:"cancellable,omitempty"`
	Parameters   []remote.Parameter `yaml:"parameters" json:"parameters,omitempty"`
}

type file struct {
	Services []Service `yaml:"services"`
}

// Catalog is an immutable set of services. It resolves endpoint descriptors
// for the orchestrator.
type Catalog struct {
	services  []Service
	byID      map[string]Service
	endpoints map[string]remote.Endpoint
}

// Load reads a catalog file. API keys are resolved from the environment.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Services)
}

// New validates services and builds a catalog from them.
func New(services []Service) (*Catalog, error) {
	c := &Catalog{
		byID:      make(map[string]Service, len(services)),
		endpoints: make(map[string]remote.Endpoint),
	}

	for _, svc := range services {
		if svc.Protocol == ProtocolReplicate && svc.URL == "" {
			svc.URL = ReplicateURL
		}
		if err := validateService(svc); err != nil {
			return nil, err
		}
		if _, ok := c.byID[svc.ID]; ok {
			return nil, fmt.Errorf("duplicate service %q", svc.ID)
		}
		if svc.APIKeyEnv != "" && svc.APIKey == "" {
			svc.APIKey = os.Getenv(svc.APIKeyEnv)
		}
		svc.URL = strings.TrimRight(svc.URL, "/")

		for _, ep := range svc.Endpoints {
			key := endpointKey(svc.ID, ep.ID)
			if _, ok := c.endpoints[key]; ok {
				return nil, fmt.Errorf("service %s: duplicate endpoint %q", svc.ID, ep.ID)
			}
			c.endpoints[key] = descriptor(svc, ep)
		}
		c.byID[svc.ID] = svc
		c.services = append(c.services, svc)
	}
	return c, nil
}

// Endpoint returns the descriptor of an endpoint of a service.
func (c *Catalog) Endpoint(serviceRef, endpointRef string) (remote.Endpoint, error) {
	ep, ok := c.endpoints[endpointKey(serviceRef, endpointRef)]
	if !ok {
		return remote.Endpoint{}, apperrors.NotFound("endpoint", serviceRef+"/"+endpointRef)
	}
	return ep, nil
}

// Service returns a service by id.
func (c *Catalog) Service(id string) (Service, bool) {
	svc, ok := c.byID[id]
	return svc, ok
}

// Services returns every service in file order.
func (c *Catalog) Services() []Service {
	return slices.Clone(c.services)
}

// ServicesByProtocol returns the services called with p.
func (c *Catalog) ServicesByProtocol(p Protocol) []Service {
	var out []Service
	for _, svc := range c.services {
		if svc.Protocol == p {
			out = append(out, svc)
		}
	}
	return out
}

func endpointKey(serviceRef, endpointRef string) string {
	return serviceRef + "/" + endpointRef
}

// descriptor converts the file form into the orchestrator's descriptor.
// Endpoints are cancellable unless the file says otherwise.
func descriptor(svc Service, ep Endpoint) remote.Endpoint {
	path := ep.Path
	if path == "" && svc.Protocol.HTTP() {
		path = ep.ID
	}
	cancellable := true
	if ep.Cancellable != nil {
		cancellable = *ep.Cancellable
	}
	return remote.Endpoint{
		ServiceRef:   svc.ID,
		ID:           ep.ID,
		Path:         strings.TrimLeft(path, "/"),
		Parameters:   slices.Clone(ep.Parameters),
		PollInterval: ep.PollInterval,
		Timeout:      ep.Timeout,
		Cancellable:  cancellable,
		Image:        ep.Image,
		Command:      slices.Clone(ep.Command),
	}
}

func validateService(svc Service) error {
	if svc.ID == "" {
		return fmt.Errorf("service id is required")
	}
	switch svc.Protocol {
	case ProtocolSocaity, ProtocolRunpod, ProtocolReplicate:
		parsed, err := url.Parse(svc.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("service %s: invalid url %q", svc.ID, svc.URL)
		}
	case ProtocolDocker:
	default:
		return fmt.Errorf("service %s: unknown protocol %q", svc.ID, svc.Protocol)
	}

	if len(svc.Endpoints) == 0 {
		return fmt.Errorf("service %s: no endpoints", svc.ID)
	}
	for _, ep := range svc.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("service %s: endpoint id is required", svc.ID)
		}
		if svc.Protocol == ProtocolDocker && ep.Image == "" {
			return fmt.Errorf("service %s: endpoint %s: image is required", svc.ID, ep.ID)
		}
		if svc.Protocol == ProtocolReplicate && !validModel(cmp.Or(ep.Path, ep.ID)) {
			return fmt.Errorf("service %s: endpoint %s: path must name a model as publisher/model[:version]", svc.ID, ep.ID)
		}
		if ep.PollInterval < 0 || ep.Timeout < 0 {
			return fmt.Errorf("service %s: endpoint %s: negative duration", svc.ID, ep.ID)
		}
		for _, p := range ep.Parameters {
			if p.Name == "" {
				return fmt.Errorf("service %s: endpoint %s: parameter name is required", svc.ID, ep.ID)
			}
			if !p.Type.Valid() {
				return fmt.Errorf("service %s: endpoint %s: parameter %s: unknown type %q", svc.ID, ep.ID, p.Name, p.Type)
			}
		}
	}
	return nil
}

func validModel(path string) bool {
	model, version, pinned := strings.Cut(strings.Trim(path, "/"), ":")
	publisher, name, ok := strings.Cut(model, "/")
	if !ok || publisher == "" || name == "" || strings.Contains(name, "/") {
		return false
	}
	return !pinned || version != ""
}
