package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
)

// demoFeeRuns is how many mint fees each seeded institution can pay.
const demoFeeRuns = 1000

// bootstrapMemoryLedgers prepares in-process ledgers so a lite-mode server
// can issue immediately: institution collections, the ACL asset, the
// settlement asset when one is named, and balances for every settlement
// account and the treasury. Asset ids the ledger assigns replace the ids
// in cfg and profile.
func bootstrapMemoryLedgers(ctx context.Context, cfg *config.Config, profile *config.ChainProfile, mems map[string]*ledger.MemoryLedger, logger *slog.Logger) error {
	treasury := cfg.TreasuryAccountID
	for name, mem := range mems {
		mem.Fund(treasury, "", 1<<40)
		if name != profile.Primary.Name {
			continue
		}

		for i := range profile.Institutions {
			inst := &profile.Institutions[i]
			for j, assetID := range inst.Assets {
				id, err := ensureAsset(ctx, mem, assetID, ledger.AssetSpec{
					Name: inst.Name + " Credentials", Symbol: "CRED", Kind: ledger.NonFungible, Treasury: treasury,
				})
				if err != nil {
					return err
				}
				inst.Assets[j] = id
			}
		}

		acl, err := ensureAsset(ctx, mem, cfg.ACLTokenID, ledger.AssetSpec{
			Name: "AcademicChain Access", Symbol: "ACL", Kind: ledger.Fungible, Treasury: treasury,
		})
		if err != nil {
			return err
		}
		cfg.ACLTokenID = acl

		if cfg.SettlementAssetID != "" {
			credit, err := ensureAsset(ctx, mem, cfg.SettlementAssetID, ledger.AssetSpec{
				Name: "AcademicChain Credit", Symbol: "ACAD", Kind: ledger.Fungible, Treasury: treasury,
			})
			if err != nil {
				return err
			}
			cfg.SettlementAssetID = credit
		}

		for _, inst := range profile.Institutions {
			mem.Fund(inst.SettlementAccount, acl, 1)
			mem.Fund(inst.SettlementAccount, cfg.SettlementAssetID, demoFeeRuns*max(cfg.MintFee, 1))
			mem.Approve(inst.SettlementAccount, cfg.SettlementAssetID, demoFeeRuns*max(cfg.MintFee, 1))
		}
		logger.Info("in-process ledger bootstrapped",
			"network", name, "acl_asset", acl, "settlement_asset", cfg.SettlementAssetID,
			"institutions", len(profile.Institutions))
	}
	return nil
}

// ensureAsset returns id when the ledger knows it, otherwise creates an asset
// from spec and returns the new id.
func ensureAsset(ctx context.Context, mem *ledger.MemoryLedger, id string, spec ledger.AssetSpec) (string, error) {
	if id != "" {
		_, err := mem.AssetInfo(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return "", fmt.Errorf("look up asset %s: %w", id, err)
		}
	}
	created, err := mem.CreateAsset(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create %s asset: %w", spec.Symbol, err)
	}
	return created, nil
}
