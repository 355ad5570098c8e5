package ws

type ClientInfo struct {
	User    string
	VaultID string
	IPAddr  string
	Version string
}
