package provider

import (
	"testing"

	"cache-flush/pkg/cdn/bunnycdn"
	"cache-flush/pkg/cdn/rackspace"
	"cache-flush/pkg/cdn/stackpath2"
	"cache-flush/pkg/config"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		engine string
		check  func(t *testing.T, e interface{})
	}{
		{rackspace.EngineName, func(t *testing.T, e interface{}) {
			r, ok := e.(*rackspace.Engine)
			require.True(t, ok)
			assert.Equal(t, []string{"svc.raxcdn.com"}, r.Domains())
		}},
		{stackpath2.EngineName, func(t *testing.T, e interface{}) {
			_, ok := e.(*stackpath2.Engine)
			assert.True(t, ok)
		}},
		{bunnycdn.EngineName, func(t *testing.T, e interface{}) {
			b, ok := e.(*bunnycdn.Engine)
			require.True(t, ok)
			assert.Equal(t, []string{"site.b-cdn.net"}, b.Domains())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			cfg := config.New(map[string]interface{}{
				"cdn.engine":                           tt.engine,
				"cdn.rackspace_cdn.service.protocol":   "https",
				"cdn.rackspace_cdn.service.access_url": "svc.raxcdn.com",
				"cdn.bunnycdn.cdn_hostname":            "site.b-cdn.net",
			})
			e, err := New(cfg, nil)
			require.NoError(t, err)
			tt.check(t, e)
		})
	}
}

func TestNew_NoEngine(t *testing.T) {
	e, err := New(config.New(nil), nil)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestNew_Unknown(t *testing.T) {
	_, err := New(config.New(map[string]interface{}{"cdn.engine": "akamai"}), nil)
	require.Error(t, err)
	assert.Equal(t, perrors.CodeInvalidConfig, perrors.GetCode(err))
}

func TestActiveBunnyZones(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
		want   []int
	}{
		{
			name: "both features",
			values: map[string]interface{}{
				"cdn.enabled": true, "cdn.engine": "bunnycdn", "cdn.bunnycdn.pull_zone_id": 7,
				"cdnfsd.enabled": true, "cdnfsd.engine": "bunnycdn", "cdnfsd.bunnycdn.pull_zone_id": 9,
			},
			want: []int{7, 9},
		},
		{
			name: "fsd on another provider",
			values: map[string]interface{}{
				"cdn.enabled": true, "cdn.engine": "bunnycdn", "cdn.bunnycdn.pull_zone_id": 7,
				"cdnfsd.enabled": true, "cdnfsd.engine": "cloudfront", "cdnfsd.bunnycdn.pull_zone_id": 9,
			},
			want: []int{7},
		},
		{
			name: "disabled",
			values: map[string]interface{}{
				"cdn.enabled": false, "cdn.engine": "bunnycdn", "cdn.bunnycdn.pull_zone_id": 7,
			},
		},
		{
			name: "no zone id",
			values: map[string]interface{}{
				"cdn.enabled": true, "cdn.engine": "bunnycdn",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ActiveBunnyZones(config.New(tt.values)))
		})
	}
}
