package transport

// Version is set at build time:
//
//	-X github.com/Easy-Infra-Ltd/easy-guard/src/transport.Version=<tag>
var Version = "dev"
