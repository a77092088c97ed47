//go:build linux

// Package nft installs the nftables rule the NFQUEUE sink depends on,
// grounded on this module's own google/nftables table/chain construction
// pattern (internal/kernel's Linux provider).
package nft

import (
	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	cerrors "censorlab.dev/censorlab/internal/errors"
)

// QueueRuleConfig names the table/chain/queue the forward-hook rule
// should install.
type QueueRuleConfig struct {
	TableName string // default "censorlab"
	ChainName string // default "forward"
	QueueNum  uint16
}

// EnsureQueueRule creates (idempotently) an inet table and a forward-hook
// filter chain, and appends a rule queueing all traffic to cfg.QueueNum.
// The rule is appended on every call; an existing identical rule is not
// detected.
// This is the nftables equivalent of `nft add rule inet censorlab forward
// queue num <n>`.
func EnsureQueueRule(cfg QueueRuleConfig) error {
	if cfg.TableName == "" {
		cfg.TableName = "censorlab"
	}
	if cfg.ChainName == "" {
		cfg.ChainName = "forward"
	}

	conn, err := nftables.New()
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindInternal, "failed to open nftables connection")
	}

	table := conn.AddTable(&nftables.Table{
		Name:   cfg.TableName,
		Family: nftables.TableFamilyINet,
	})

	priority := nftables.ChainPriorityFilter
	chain := conn.AddChain(&nftables.Chain{
		Name:     cfg.ChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: &priority,
		Policy:   chainPolicyAccept(),
	})

	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Queue{Num: cfg.QueueNum},
		},
	})

	if err := conn.Flush(); err != nil {
		return cerrors.Wrap(err, cerrors.KindInternal, "failed to flush nftables queue rule")
	}
	return nil
}

func chainPolicyAccept() *nftables.ChainPolicy {
	p := nftables.ChainPolicyAccept
	return &p
}

// RemoveTable tears down the table created by EnsureQueueRule, for clean
// shutdown.
func RemoveTable(tableName string) error {
	if tableName == "" {
		tableName = "censorlab"
	}
	conn, err := nftables.New()
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindInternal, "failed to open nftables connection")
	}
	conn.DelTable(&nftables.Table{Name: tableName, Family: nftables.TableFamilyINet})
	if err := conn.Flush(); err != nil {
		return cerrors.Wrap(err, cerrors.KindInternal, "failed to flush nftables table removal")
	}
	return nil
}
