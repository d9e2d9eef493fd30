//go:build linux

package main

import (
	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/btconn/bluez"
	"github.com/chaz8081/btchat/internal/config"
)

func openBlueZ(cfg *config.Config, log *zap.Logger) (radioHandle, error) {
	r, err := bluez.Open(bluez.Options{
		Adapter:     cfg.Adapter.Name,
		ServiceName: cfg.Service.Name,
		Channel:     cfg.Service.RFCOMMChannel,
		Logger:      log.Named("bluez"),
	})
	if err != nil {
		return radioHandle{}, err
	}
	return radioHandle{Radio: r, close: r.Close}, nil
}
