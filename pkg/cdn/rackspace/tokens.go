// Package rackspace implements the Rackspace CDN purge engine and the parts
// of the Rackspace identity and CDN APIs it needs.
package rackspace

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"cache-flush/pkg/cdn/transport"

	perrors "github.com/jmgilman/go/errors"
)

// IdentityURL is the Rackspace identity endpoint.
const IdentityURL = "https://identity.api.rackspacecloud.com/v2.0/tokens"

// Endpoint is one regional endpoint of a catalog service.
type Endpoint struct {
	Region      string `json:"region"`
	PublicURL   string `json:"publicURL"`
	InternalURL string `json:"internalURL"`
}

// Service is one entry of the service catalog.
type Service struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Access is the result of authentication.
type Access struct {
	Token    string
	Services []Service
}

// Region describes the endpoints of one region. The field names match the
// persisted access state.
type Region struct {
	Name                   string `json:"name,omitempty"`
	CDNPublicURL           string `json:"cdn.publicURL,omitempty"`
	ObjectStorePublicURL   string `json:"object-store.publicURL,omitempty"`
	ObjectStoreInternalURL string `json:"object-store.internalURL,omitempty"`
	ObjectCDNPublicURL     string `json:"object-cdn.publicURL,omitempty"`
}

var regionNames = map[string]string{
	"ORD": "Chicago (ORD)",
	"DFW": "Dallas/Ft. Worth (DFW)",
	"HKG": "Hong Kong (HKG)",
	"LON": "London (LON)",
	"IAD": "Northern Virginia (IAD)",
	"SYD": "Sydney (SYD)",
}

// Authenticate exchanges an API key for a token and the service catalog.
func Authenticate(ctx context.Context, c *transport.Client, identityURL, userName, apiKey string) (*Access, error) {
	if identityURL == "" {
		identityURL = IdentityURL
	}

	body, err := json.Marshal(map[string]interface{}{
		"auth": map[string]interface{}{
			"RAX-KSKEY:apiKeyCredentials": map[string]string{
				"username": userName,
				"apiKey":   apiKey,
			},
		},
	})
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInternal, "failed to encode credentials")
	}

	resp, err := c.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    identityURL,
		Header: http.Header{
			"Accept":       {"application/json"},
			"Content-Type": {"application/json"},
		},
		Body: body,
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Unauthorized *struct {
			Message string `json:"message"`
		} `json:"unauthorized"`
		Access *struct {
			Token struct {
				ID string `json:"id"`
			} `json:"token"`
			ServiceCatalog []Service `json:"serviceCatalog"`
		} `json:"access"`
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, perrors.Newf(perrors.CodeNetwork, "Failed to reach API endpoint, got unexpected response: %s", resp.Body)
	}
	if decoded.Unauthorized != nil && decoded.Unauthorized.Message != "" {
		return nil, perrors.New(perrors.CodeUnauthorized, decoded.Unauthorized.Message)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, perrors.New(perrors.CodeUnavailable, string(resp.Body))
	}
	if decoded.Access == nil {
		return nil, perrors.New(perrors.CodeUnavailable, "Unexpected authentication response: access token not found")
	}
	if decoded.Access.ServiceCatalog == nil {
		return nil, perrors.New(perrors.CodeUnavailable, "Unexpected authentication response: serviceCatalog token not found")
	}

	return &Access{Token: decoded.Access.Token.ID, Services: decoded.Access.ServiceCatalog}, nil
}

// CDNServicesByRegion returns the CDN endpoint of every region.
func CDNServicesByRegion(services []Service) map[string]Region {
	byRegion := make(map[string]Region)
	for _, s := range services {
		if s.Type != "rax:cdn" {
			continue
		}
		for _, e := range s.Endpoints {
			r := byRegion[e.Region]
			r.CDNPublicURL = e.PublicURL
			byRegion[e.Region] = r
		}
	}
	return withRegionNames(byRegion)
}

// CloudFilesServicesByRegion returns the object store endpoints of every region.
func CloudFilesServicesByRegion(services []Service) map[string]Region {
	byRegion := make(map[string]Region)
	for _, s := range services {
		switch s.Type {
		case "object-store":
			for _, e := range s.Endpoints {
				r := byRegion[e.Region]
				r.ObjectStorePublicURL = e.PublicURL
				r.ObjectStoreInternalURL = e.InternalURL
				byRegion[e.Region] = r
			}
		case "rax:object-cdn":
			for _, e := range s.Endpoints {
				r := byRegion[e.Region]
				r.ObjectCDNPublicURL = e.PublicURL
				byRegion[e.Region] = r
			}
		}
	}
	return withRegionNames(byRegion)
}

func withRegionNames(byRegion map[string]Region) map[string]Region {
	for code, r := range byRegion {
		r.Name = code
		if name, ok := regionNames[code]; ok {
			r.Name = name
		}
		byRegion[code] = r
	}
	return byRegion
}

// RegionCodes returns the region codes of byRegion in order.
func RegionCodes(byRegion map[string]Region) []string {
	codes := make([]string, 0, len(byRegion))
	for code := range byRegion {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
