package version

// Overridden at build time via -ldflags "-X geocountry/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info is the running build as reported on /version.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}
