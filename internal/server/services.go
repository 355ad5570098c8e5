package server

import (
	"github.com/openmined/minisync/internal/server/auth"
	"github.com/openmined/minisync/internal/server/vaults"
)

type Services struct {
	Auth   *auth.AuthService
	Vaults *vaults.Store
}

func NewServices(config *Config) (*Services, error) {
	store, err := vaults.NewStore(config.DataDir)
	if err != nil {
		return nil, err
	}
	return &Services{
		Auth:   auth.NewAuthService(&config.Auth),
		Vaults: store,
	}, nil
}
