package version

const (
	ProductName = "chanmux"
	Version     = "0.1.0"
)
