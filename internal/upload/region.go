package upload

import "strings"

// Region selects endpoint hosts, the AWS signing region name, and the
// referring origin used by the upload handshake.
type Region string

const (
	RegionCN Region = "CN"
	RegionUS Region = "US"
	RegionHK Region = "HK" // also covers SG/JP per the glossary
)

// Endpoints is the resolved set of upstream hosts/identifiers for a region.
type Endpoints struct {
	ImageXHost    string
	SigningRegion string
	ReferOrigin   string
	ServiceID     string
}

var regionTable = map[Region]Endpoints{
	RegionCN: {
		ImageXHost:    "imagex.bytedanceapi.com",
		SigningRegion: "cn-north-1",
		ReferOrigin:   "https://jimeng.jianying.com",
		ServiceID:     "aigc-image-cn",
	},
	RegionUS: {
		ImageXHost:    "imagex.us.bytedanceapi.com",
		SigningRegion: "us-east-1",
		ReferOrigin:   "https://dreamina.capcut.com",
		ServiceID:     "aigc-image-us",
	},
	RegionHK: {
		ImageXHost:    "imagex.ap-singapore-1.bytedanceapi.com",
		SigningRegion: "ap-singapore-1",
		ReferOrigin:   "https://dreamina.capcut.com",
		ServiceID:     "aigc-image-hk",
	},
}

// Resolve returns the endpoint table entry for region, falling back to CN
// (the credential's implicit default per the external-interfaces contract)
// for unrecognized values.
func Resolve(region Region) Endpoints {
	if ep, ok := regionTable[region]; ok {
		return ep
	}
	return regionTable[RegionCN]
}

// RegionFromCredentialPrefix parses the "US:"/"HK:" prefix convention
// described in the external interfaces: a prefix selects the region,
// absence defaults to CN.
func RegionFromCredentialPrefix(credential string) (Region, string) {
	for _, prefix := range []Region{RegionUS, RegionHK} {
		p := string(prefix) + ":"
		if strings.HasPrefix(credential, p) {
			return prefix, strings.TrimPrefix(credential, p)
		}
	}
	return RegionCN, credential
}
