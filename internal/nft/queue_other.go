//go:build !linux

package nft

import (
	cerrors "censorlab.dev/censorlab/internal/errors"
)

// QueueRuleConfig names the table/chain/queue the forward-hook rule
// should install.
type QueueRuleConfig struct {
	TableName string
	ChainName string
	QueueNum  uint16
}

// EnsureQueueRule always fails on non-Linux platforms: nftables is a
// Linux netfilter mechanism.
func EnsureQueueRule(cfg QueueRuleConfig) error {
	return cerrors.New(cerrors.KindConfig, "nftables queue rule management requires Linux")
}

// RemoveTable always fails on non-Linux platforms.
func RemoveTable(tableName string) error {
	return cerrors.New(cerrors.KindConfig, "nftables queue rule management requires Linux")
}
