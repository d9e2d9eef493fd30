//go:build !linux

package main

import (
	"errors"

	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/config"
)

func openBlueZ(*config.Config, *zap.Logger) (radioHandle, error) {
	return radioHandle{}, errors.New("the bluez backend needs linux; set adapter.backend to ble")
}
