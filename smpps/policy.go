package smpps

import (
	"strconv"

	"github.com/sendwave/smppd/pdu"
)

// submissionRequest is the policy-relevant projection of either a
// submit_sm or a data_sm PDU. data_sm carries no priority_flag, so
// HasPriority distinguishes "not applicable" from "priority 0".
type submissionRequest struct {
	SourceAddr         string
	DestinationAddr    string
	RegisteredDelivery pdu.RegisteredDelivery
	HasPriority        bool
	PriorityFlag       int
	Content            string
}

// evalSubmission runs the ordered, short-circuiting policy pipeline
// against an inbound submission, given the snapshot of the bound user in
// effect for the duration of this one PDU. Stage order is load-bearing:
// it matches the documented contract exactly, including which status
// each stage reports on mismatch.
func evalSubmission(user UserSnapshot, r submissionRequest) error {
	mt := user.MTCredential

	if !mt.CanSmppsSend {
		return newPolicyError(ErrNotAuthorized, "smpps_send not authorized")
	}

	if requestsDeliveryReceipt(r.RegisteredDelivery) && !mt.CanSetDLRLevel {
		return newPolicyError(ErrNotAuthorized, "set_dlr_level not authorized")
	}

	if isNonDefaultSourceAddress(r.SourceAddr, mt.DefaultSourceAddress) && !mt.CanSetSourceAddress {
		return newPolicyError(ErrNotAuthorized, "set_source_address not authorized")
	}

	if r.HasPriority && r.PriorityFlag != 0 && !mt.CanSetPriority {
		return newPolicyError(ErrNotAuthorized, "set_priority not authorized")
	}

	if mt.SourceAddressFilter != nil && !mt.SourceAddressFilter.MatchString(r.SourceAddr) {
		return newPolicyError(ErrFilterSrcMismatch, "source_address filter mismatch")
	}

	if mt.DestinationAddressFilter != nil && !mt.DestinationAddressFilter.MatchString(r.DestinationAddr) {
		return newPolicyError(ErrFilterDstMismatch, "destination_address filter mismatch")
	}

	if r.HasPriority && mt.PriorityFilter != nil && !mt.PriorityFilter.MatchString(strconv.Itoa(r.PriorityFlag)) {
		return newPolicyError(ErrFilterPrioMismatch, "priority filter mismatch")
	}

	if mt.ContentFilter != nil && !mt.ContentFilter.MatchString(r.Content) {
		return newPolicyError(ErrFilterContentMismatch, "content filter mismatch")
	}

	return nil
}

func evalSubmitSm(user UserSnapshot, p *pdu.SubmitSm) error {
	return evalSubmission(user, submissionRequest{
		SourceAddr:         p.SourceAddr,
		DestinationAddr:    p.DestinationAddr,
		RegisteredDelivery: p.RegisteredDelivery,
		HasPriority:        true,
		PriorityFlag:       p.PriorityFlag,
		Content:            p.ShortMessage,
	})
}

func evalDataSm(user UserSnapshot, p *pdu.DataSm) error {
	var content string
	if p.Options != nil {
		content = p.Options.MessagePayload()
	}
	return evalSubmission(user, submissionRequest{
		SourceAddr:         p.SourceAddr,
		DestinationAddr:    p.DestinationAddr,
		RegisteredDelivery: p.RegisteredDelivery,
		Content:            content,
	})
}

func requestsDeliveryReceipt(rd pdu.RegisteredDelivery) bool {
	return rd.Receipt != pdu.NoDeliveryReceipt
}

// isNonDefaultSourceAddress implements the spec's definition exactly:
// a value differing from the configured default counts as non-default;
// with no default configured, any explicit value counts as non-default.
func isNonDefaultSourceAddress(addr, defaultAddr string) bool {
	if addr == "" {
		return false
	}
	if defaultAddr == "" {
		return true
	}
	return addr != defaultAddr
}
