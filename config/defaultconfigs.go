package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Populate embeddedConfigs at build time (e.g. via code generation) or
// manually during development. Key: device ID. Val: raw JSON bytes for
// that device's Boot document.
// -----------------------------------------------------------------------------

const cfgTwoDockModule = `{
  "physical_addr": [2, 0, 0, 0, 0, 1],
  "docks": [2, 3],
  "addresses": [
    {"addr": "fc07::1", "prefix_len": 128}
  ]
}`

var embeddedConfigs = map[string][]byte{
	"module-a": []byte(cfgTwoDockModule),
}
