package controller

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/packet"
)

// List reports the provisioned IDs, then scans the bus for live Components.
// Silent or malformed addresses are skipped. The record is never modified.
func (a *AP) List(ctx context.Context) (provisioned, live []uint32, err error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	provisioned = a.store.IDs()
	for _, id := range provisioned {
		a.rep.Info("P>0x%08x", id)
	}

	req, err := packet.Seal(packet.MagicList, packet.ListCommand{})
	if err != nil {
		a.rep.Error("List failed")
		return nil, nil, err
	}

	for addr := int(a.opts.ScanFirst); addr <= int(a.opts.ScanLast); addr++ {
		if a.reserved(uint8(addr)) {
			continue
		}
		resp := a.exchange(ctx, uint8(addr), req)
		if resp.IsError() {
			continue
		}
		var ack packet.ListAck
		if err := resp.Open(packet.MagicListAck, &ack); err != nil {
			log.Debug().Err(err).Uint8("addr", uint8(addr)).Msg("Ignoring malformed list response")
			continue
		}
		live = append(live, ack.ID)
		a.rep.Info("F>0x%08x", ack.ID)
	}

	a.rep.Success("List")
	return provisioned, live, nil
}

func (a *AP) reserved(addr uint8) bool {
	for _, b := range a.opts.Blacklist {
		if addr == b {
			return true
		}
	}
	return false
}
