// SPDX-License-Identifier: MIT

package netutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain host", in: "Indexer.Example.COM", want: "indexer.example.com"},
		{name: "trailing dot", in: "nas.local.", want: "nas.local"},
		{name: "ipv4", in: "192.168.1.10", want: "192.168.1.10"},
		{name: "ipv6 bracketed", in: "[::1]", want: "::1"},
		{name: "idn host", in: "müller.example", want: "xn--mller-kva.example"},
		{name: "empty", in: "  ", wantErr: true},
		{name: "with scheme", in: "http://host", wantErr: true},
		{name: "with path", in: "host/api", wantErr: true},
		{name: "with userinfo", in: "user@host", wantErr: true},
		{name: "with port", in: "host:8080", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeHost(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	got, err := ValidateEndpoint("HTTP://QBT.Example.com:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://qbt.example.com:8080", got)

	_, err = ValidateEndpoint("ftp://host")
	require.Error(t, err)

	_, err = ValidateEndpoint("http://host/#frag")
	require.Error(t, err)

	_, err = ValidateEndpoint("")
	require.Error(t, err)
}

func TestNewHTTPClientDefaults(t *testing.T) {
	c := NewHTTPClient(0)
	assert.Equal(t, DefaultTimeout, c.Timeout)

	c = NewHTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout)
	require.NotNil(t, c.Transport)
}
