package version

// Version is overridden at build time with
// -ldflags "-X portfolio-relay/internal/version.Version=<tag>".
var Version = "dev"
