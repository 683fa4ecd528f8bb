// ABOUTME: Build identification for the discovery daemon
// ABOUTME: Version is overridable at link time with -ldflags "-X"
package version

// Product is the daemon name
const Product = "wsd-browse"

// Manufacturer identifies the maintainers
const Manufacturer = "wsdiscovery-go"

// Version is the release version
var Version = "0.3.0"

// String returns "product/version"
func String() string {
	return Product + "/" + Version
}
