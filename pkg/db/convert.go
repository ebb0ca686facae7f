package db

import (
	"github.com/chainsafe/bridge-relayer/pkg/db/dao"
)

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toTransferDao(t *Transfer) *dao.TransferDao {
	amount := t.SourceAmount
	if amount == "" {
		amount = "0"
	}
	fee := t.SourceFee
	if fee == "" {
		fee = "0"
	}
	return &dao.TransferDao{
		Key:                t.Key,
		SourceTxHash:       t.SourceTxHash,
		TransactionID:      optional(t.TransactionID),
		EventName:          t.EventName,
		SourceChainID:      t.SourceChainID,
		SourceChain:        t.SourceChain,
		SourceTokenName:    t.SourceTokenName,
		SourceTokenAddress: t.SourceTokenAddress,
		SourceFromAddress:  t.SourceFromAddress,
		SourceAmount:       amount,
		SourceFee:          fee,
		SourceBlockNumber:  int64(t.SourceBlockNumber),
		SourceLogIndex:     int64(t.SourceLogIndex),
		SourceTxStatus:     string(t.SourceTxStatus),
		TargetChainID:      t.TargetChainID,
		TargetChain:        t.TargetChain,
		TargetTokenName:    t.TargetTokenName,
		TargetTokenAddress: t.TargetTokenAddress,
		TargetAddress:      t.TargetAddress,
		TargetCallContract: t.TargetCallContract,
		TargetAmount:       optional(t.TargetAmount),
		TargetTxHash:       optional(t.TargetTxHash),
		TargetTxStatus:     string(t.TargetTxStatus),
		Action:             string(t.Action),
		CrossBridgeStatus:  string(t.CrossBridgeStatus),
		ErrorKind:          optional(t.ErrorKind),
		ErrorMessage:       optional(t.ErrorMessage),
		Permanent:          t.Permanent,
		RetryCount:         t.RetryCount,
		SubmittingUntil:    t.SubmittingUntil,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func toTransfer(d *dao.TransferDao) *Transfer {
	return &Transfer{
		Key:                d.Key,
		SourceTxHash:       d.SourceTxHash,
		TransactionID:      deref(d.TransactionID),
		EventName:          d.EventName,
		SourceChainID:      d.SourceChainID,
		SourceChain:        d.SourceChain,
		SourceTokenName:    d.SourceTokenName,
		SourceTokenAddress: d.SourceTokenAddress,
		SourceFromAddress:  d.SourceFromAddress,
		SourceAmount:       d.SourceAmount,
		SourceFee:          d.SourceFee,
		SourceBlockNumber:  uint64(d.SourceBlockNumber),
		SourceLogIndex:     uint(d.SourceLogIndex),
		SourceTxStatus:     TxStatus(d.SourceTxStatus),
		TargetChainID:      d.TargetChainID,
		TargetChain:        d.TargetChain,
		TargetTokenName:    d.TargetTokenName,
		TargetTokenAddress: d.TargetTokenAddress,
		TargetAddress:      d.TargetAddress,
		TargetCallContract: d.TargetCallContract,
		TargetAmount:       deref(d.TargetAmount),
		TargetTxHash:       deref(d.TargetTxHash),
		TargetTxStatus:     TxStatus(d.TargetTxStatus),
		Action:             Action(d.Action),
		CrossBridgeStatus:  BridgeStatus(d.CrossBridgeStatus),
		ErrorKind:          deref(d.ErrorKind),
		ErrorMessage:       deref(d.ErrorMessage),
		Permanent:          d.Permanent,
		RetryCount:         d.RetryCount,
		SubmittingUntil:    d.SubmittingUntil,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func toTransferEventDao(ev *TransferEvent) *dao.TransferEventDao {
	return &dao.TransferEventDao{
		ChainID:      ev.ChainID,
		TxHash:       ev.TxHash,
		LogIndex:     int64(ev.LogIndex),
		BlockNumber:  int64(ev.BlockNumber),
		EventName:    ev.EventName,
		SourceTxHash: ev.SourceTxHash,
		CreatedAt:    ev.CreatedAt,
	}
}
