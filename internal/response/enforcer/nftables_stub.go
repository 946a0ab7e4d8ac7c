//go:build !linux
// +build !linux

package enforcer

import (
	"fmt"

	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
)

// NewNFTables is unavailable off linux.
func NewNFTables(log *zap.SugaredLogger) (model.Enforcer, error) {
	return nil, fmt.Errorf("nftables enforcement requires linux")
}
