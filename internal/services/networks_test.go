package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
)

type fakeInventory struct {
	hosts []*inventory.Host
	err   error
}

func (f *fakeInventory) Hosts(context.Context) ([]*inventory.Host, error) {
	return f.hosts, f.err
}

func (f *fakeInventory) Networks(context.Context) (map[string][]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	nets := make(map[string][]string)
	for _, h := range f.hosts {
		nets[h.Network] = append(nets[h.Network], h.ID)
	}
	return nets, nil
}

func testInventory() *fakeInventory {
	return &fakeInventory{hosts: []*inventory.Host{
		{
			ID: "host_10.0.0.5", IP: "10.0.0.5", Hostname: "web01", Network: "10.0.0.0/24",
			OSTag: inventory.OSLinux,
			Ports: []inventory.Port{
				{Number: "22", Protocol: "tcp", State: "open", Service: "ssh"},
				{Number: "80", Protocol: "tcp", State: "open", Service: "http"},
				{Number: "443", Protocol: "tcp", State: "closed", Service: "https"},
			},
		},
		{
			ID: "host_10.0.0.9", IP: "10.0.0.9", Network: "10.0.0.0/24",
			OSTag: inventory.OSWindows,
			Ports: []inventory.Port{
				{Number: "80", Protocol: "tcp", State: "open", Service: "http"},
				{Number: "3389", Protocol: "tcp", State: "open|filtered", Service: "ms-wbt-server"},
			},
		},
		{
			ID: "host_192.168.1.1", IP: "192.168.1.1", Network: "192.168.1.0/24",
			OSTag: inventory.OSUnknown,
		},
		{
			ID: "host_import_1", Hostname: "printer", Network: inventory.UnknownNetwork,
			OSTag: inventory.OSUnknown,
		},
	}}
}

func TestListNetworks(t *testing.T) {
	svc := NewNetworkService(testInventory())

	nets, err := svc.ListNetworks(context.Background())
	require.NoError(t, err)
	require.Len(t, nets, 3)

	assert.Equal(t, "10.0.0.0/24", nets[0].ID)
	assert.Equal(t, "192.168.1.0/24", nets[1].ID)
	assert.Equal(t, inventory.UnknownNetwork, nets[2].ID)

	assert.Equal(t, 2, nets[0].HostCount)
	assert.Equal(t, 4, nets[0].OpenPorts)
	assert.Equal(t, 1, nets[0].OSFamily[inventory.OSLinux])
	assert.Equal(t, 1, nets[0].OSFamily[inventory.OSWindows])
	assert.Zero(t, nets[1].OpenPorts)
}

func TestGetNetwork(t *testing.T) {
	svc := NewNetworkService(testInventory())
	ctx := context.Background()

	tests := []struct {
		name    string
		ref     string
		want    string
		hosts   int
		errCode errors.ErrorCode
	}{
		{name: "network id", ref: "10.0.0.0/24", want: "10.0.0.0/24", hosts: 2},
		{name: "member address", ref: "10.0.0.77", want: "10.0.0.0/24", hosts: 2},
		{name: "padded address", ref: " 192.168.1.1 ", want: "192.168.1.0/24", hosts: 1},
		{name: "unknown bucket", ref: "unknown", want: inventory.UnknownNetwork, hosts: 1},
		{name: "absent network", ref: "172.16.0.1", errCode: errors.CodeNotFound},
		{name: "ipv6", ref: "2001:db8::1", errCode: errors.CodeValidation},
		{name: "garbage", ref: "not-a-network", errCode: errors.CodeValidation},
		{name: "empty", ref: "", errCode: errors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.GetNetwork(ctx, tt.ref)
			if tt.errCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.errCode, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
			assert.Equal(t, tt.hosts, got.HostCount)
		})
	}
}

func TestGetNetworkStats(t *testing.T) {
	svc := NewNetworkService(testInventory())

	stats, err := svc.GetNetworkStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Networks)
	assert.Equal(t, 4, stats.Hosts)
	assert.Equal(t, 2, stats.WithHostname)
	assert.Equal(t, 2, stats.WithOpenPorts)
	assert.Equal(t, 4, stats.OpenPorts)
	assert.Equal(t, 2, stats.OSFamily[inventory.OSUnknown])

	require.NotEmpty(t, stats.TopServices)
	assert.Equal(t, ServiceCount{Service: "http", Count: 2}, stats.TopServices[0])
	assert.Len(t, stats.TopServices, 3)
}

func TestGetNetworkStatsTruncatesServices(t *testing.T) {
	host := &inventory.Host{ID: "host_10.1.1.1", IP: "10.1.1.1", Network: "10.1.1.0/24"}
	for i := 0; i < topServiceCount+5; i++ {
		host.Ports = append(host.Ports, inventory.Port{
			Number: fmt.Sprint(1000 + i), Protocol: "tcp", State: "open", Service: fmt.Sprintf("svc%02d", i),
		})
	}
	svc := NewNetworkService(&fakeInventory{hosts: []*inventory.Host{host}})

	stats, err := svc.GetNetworkStats(context.Background())
	require.NoError(t, err)
	assert.Len(t, stats.TopServices, topServiceCount)
	assert.Equal(t, "svc00", stats.TopServices[0].Service)
}

func TestNetworkServicePropagatesErrors(t *testing.T) {
	svc := NewNetworkService(&fakeInventory{err: fmt.Errorf("dispatcher stopped")})
	ctx := context.Background()

	_, err := svc.ListNetworks(ctx)
	assert.ErrorContains(t, err, "dispatcher stopped")

	_, err = svc.GetNetworkStats(ctx)
	assert.ErrorContains(t, err, "failed to list hosts")

	_, err = svc.GetNetwork(ctx, "10.0.0.1")
	assert.Error(t, err)
}
