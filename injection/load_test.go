package injection_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AristoChen/usb-proxy/injection"
)

func TestDecodeHex(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{in: `\x41\x42`, want: []byte{0x41, 0x42}},
		{in: `\xFFa`, want: []byte{0xff, 'a'}},
		{in: `plain`, want: []byte("plain")},
		{in: ``, want: []byte{}},
		{in: `\x4`, wantErr: true},
		{in: `\xzz`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := injection.DecodeHex(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, `\x00\xab`, injection.EncodeHex([]byte{0x00, 0xab}))
}

func TestParse_EPAddressSpellings(t *testing.T) {
	tests := []struct {
		value string
		want  injection.EPAddress
	}{
		{value: `81`, want: 0x81},
		{value: `2`, want: 0x02},
		{value: `"0x81"`, want: 0x81},
		{value: `"83"`, want: 0x83},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			rules, err := injection.Parse([]byte(`{"bulk":[{"enable":true,"ep_address":`+tt.value+`}]}`), "json")
			require.NoError(t, err)
			require.Len(t, rules.Bulk, 1)
			assert.Equal(t, tt.want, rules.Bulk[0].EPAddress)
		})
	}

	_, err := injection.Parse([]byte(`{"bulk":[{"ep_address":"0x181"}]}`), "json")
	assert.Error(t, err)
	_, err = injection.Parse([]byte(`{"bulk":[{"ep_address":true}]}`), "json")
	assert.Error(t, err)
}

func TestParse_Formats(t *testing.T) {
	yamlDoc := `
bulk:
  - enable: true
    ep_address: "0x81"
    content_pattern: ['\x41\x42']
    replacement: '\x58'
control:
  stall:
    - enable: true
      bRequestType: 0
      bRequest: 1
      wValue: 0
      wIndex: 0
      wLength: 0
`
	tomlDoc := `
[[bulk]]
enable = true
ep_address = "0x81"
content_pattern = ['\x41\x42']
replacement = '\x58'

[[control.stall]]
enable = true
bRequestType = 0
bRequest = 1
wValue = 0
wIndex = 0
wLength = 0
`
	for _, tc := range []struct{ format, doc string }{{"yaml", yamlDoc}, {"toml", tomlDoc}} {
		t.Run(tc.format, func(t *testing.T) {
			rules, err := injection.Parse([]byte(tc.doc), tc.format)
			require.NoError(t, err)
			require.Len(t, rules.Bulk, 1)
			assert.Equal(t, injection.EPAddress(0x81), rules.Bulk[0].EPAddress)
			require.Len(t, rules.Control.Stall, 1)
			assert.Equal(t, uint8(1), rules.Control.Stall[0].BRequest)

			e, err := injection.New(rules)
			require.NoError(t, err)
			assert.Equal(t, []byte{0x58, 0x43}, e.Stream(injection.ClassBulk, 0x81, []byte{0x41, 0x42, 0x43}))
		})
	}
}

func TestParse_BadPattern(t *testing.T) {
	_, err := injection.Parse([]byte(`{"bulk":[{"enable":true,"ep_address":"0x81","content_pattern":[""]}]}`), "json")
	assert.Error(t, err)
	_, err = injection.Parse([]byte(`{"bulk":[{"enable":true,"ep_address":"0x81","content_pattern":["\\x1"]}]}`), "json")
	assert.Error(t, err)
	_, err = injection.Parse([]byte(`{}`), "xml")
	assert.Error(t, err)
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "injection.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"isoc":[{"enable":true,"ep_address":"0x84"}]}`), 0o644))
	rules, err := injection.Load(jsonPath)
	require.NoError(t, err)
	require.Len(t, rules.Isoc, 1)

	_, err = injection.Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestMarshal_RoundTrip(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			data, err := injection.Marshal(injection.Example(), format)
			require.NoError(t, err)
			rules, err := injection.Parse(data, format)
			require.NoError(t, err)
			require.Len(t, rules.Bulk, 1)
			assert.Equal(t, injection.EPAddress(0x81), rules.Bulk[0].EPAddress)
			assert.Equal(t, `\x41\x42`, rules.Bulk[0].ContentPattern[0])
		})
	}
}
