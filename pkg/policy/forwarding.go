package policy

import (
	"fmt"

	"personadb/pkg/apperr"
	"personadb/pkg/models"
)

const (
	// MinForwardChain/MaxForwardChainBound bound an identity's
	// max_forward_chain preference.
	MinForwardChain      = 1
	MaxForwardChainBound = 50

	// DefaultMaxForwardChain applies when an identity never set one.
	DefaultMaxForwardChain = 10
)

// DefaultForwardingPreferences applies when an identity never configured
// forwarding: forwarding stays open under the default chain limit.
func DefaultForwardingPreferences() models.ForwardingPreferences {
	return models.ForwardingPreferences{
		DefaultAttribution:      models.AttributionShowOriginal,
		AllowOthersToForward:    true,
		ForwardToPublicChannels: true,
		MaxForwardChain:         DefaultMaxForwardChain,
	}
}

// StampRights derives the rights a new message carries from its sender's
// forwarding preferences.
func StampRights(fp models.ForwardingPreferences) *models.ForwardingRights {
	return &models.ForwardingRights{
		AllowFurtherForwarding: fp.AllowOthersToForward,
		RequireAttribution:     fp.RequireAttribution,
		PreserveOriginalSender: true,
		AllowPublicChannels:    fp.ForwardToPublicChannels,
	}
}

// ValidForwardingPreferences normalizes and validates an identity's
// forwarding preferences.
func ValidForwardingPreferences(fp models.ForwardingPreferences) (models.ForwardingPreferences, error) {
	if fp.DefaultAttribution == "" {
		fp.DefaultAttribution = models.AttributionShowOriginal
	}
	switch fp.DefaultAttribution {
	case models.AttributionShowOriginal, models.AttributionShowImmediate,
		models.AttributionHideAll, models.AttributionAnonymous:
	default:
		return fp, apperr.Newf(apperr.CodeValidationFailed, "unknown attribution display: %q", fp.DefaultAttribution)
	}
	if fp.MaxForwardChain == 0 {
		fp.MaxForwardChain = DefaultMaxForwardChain
	}
	if fp.MaxForwardChain < MinForwardChain || fp.MaxForwardChain > MaxForwardChainBound {
		return fp, apperr.Newf(apperr.CodeValidationFailed, "max_forward_chain out of range: %d", fp.MaxForwardChain)
	}
	return fp, nil
}

// ResolveForward applies the forwarding state machine to a source message
// being re-sent under the given identity, toBroadcast naming whether the
// target is a broadcast channel. attributionChoice may be empty, in which
// case the identity's default applies. On success it returns the provenance
// record for the new message; the source is never mutated.
func ResolveForward(source *models.Message, forwarder *models.Identity, attributionChoice string, toBroadcast bool) (*models.ForwardedFrom, error) {
	choice := attributionChoice
	if choice == "" {
		choice = forwarder.Forwarding.DefaultAttribution
	}
	if choice == "" {
		choice = models.AttributionShowOriginal
	}

	// Rights are stamped from the sender's preferences at send time and
	// re-derived on every hop. An identity's own preferences never restrict
	// the identity itself; rights inherited from upstream hops bind everyone.
	srcRights := models.ForwardingRights{
		AllowFurtherForwarding: true,
		PreserveOriginalSender: true,
		AllowPublicChannels:    true,
	}
	ownMessage := source.SenderID == forwarder.ID
	chain := 1
	origID, origAlias := source.SenderID, source.SenderAlias
	if source.Forwarded != nil {
		srcRights = source.Forwarded.Rights
		ownMessage = false
		chain = source.Forwarded.ForwardChain + 1
		if srcRights.PreserveOriginalSender {
			origID, origAlias = source.Forwarded.OriginalSenderID, source.Forwarded.OriginalAlias
		}
	} else if source.Rights != nil {
		srcRights = *source.Rights
	}

	if !ownMessage {
		if !srcRights.AllowFurtherForwarding {
			return nil, apperr.New(apperr.CodeForwardingDisabled, "source message does not allow further forwarding")
		}
		if toBroadcast && !srcRights.AllowPublicChannels {
			return nil, apperr.New(apperr.CodeForwardingDisabled, "source message may not be forwarded to broadcast channels")
		}
		if srcRights.RequireAttribution && choice == models.AttributionHideAll {
			return nil, apperr.New(apperr.CodeAttributionRequired, "source message requires attribution")
		}
	}

	maxChain := forwarder.Forwarding.MaxForwardChain
	if maxChain == 0 {
		maxChain = DefaultMaxForwardChain
	}
	if chain > maxChain {
		return nil, apperr.Newf(apperr.CodeForwardChainExceeded, "forward chain %d exceeds limit %d", chain, maxChain).
			WithDetails(map[string]any{"chain": chain, "max": maxChain})
	}

	rights := models.ForwardingRights{
		AllowFurtherForwarding: srcRights.AllowFurtherForwarding && forwarder.Forwarding.AllowOthersToForward,
		RequireAttribution:     srcRights.RequireAttribution || forwarder.Forwarding.RequireAttribution,
		PreserveOriginalSender: srcRights.PreserveOriginalSender,
		AllowPublicChannels:    srcRights.AllowPublicChannels && forwarder.Forwarding.ForwardToPublicChannels,
	}

	return &models.ForwardedFrom{
		SourceMessageID:    source.ID,
		OriginalSenderID:   origID,
		OriginalAlias:      origAlias,
		ImmediateSenderID:  source.SenderID,
		ImmediateAlias:     source.SenderAlias,
		ForwardChain:       chain,
		AttributionDisplay: choice,
		Rights:             rights,
	}, nil
}

// AttributionText resolves the display string for a forwarded message at
// read time. Pure function of the provenance record.
func AttributionText(fwd *models.ForwardedFrom) string {
	if fwd == nil {
		return ""
	}
	switch fwd.AttributionDisplay {
	case models.AttributionShowOriginal:
		if fwd.OriginalAlias != "" {
			return "Forwarded from " + fwd.OriginalAlias
		}
		return "Forwarded message"
	case models.AttributionShowImmediate:
		if fwd.ImmediateAlias != "" {
			return "Forwarded from " + fwd.ImmediateAlias
		}
		return "Forwarded message"
	case models.AttributionHideAll:
		return ""
	case models.AttributionAnonymous:
		if fwd.ForwardChain > 1 {
			return fmt.Sprintf("Forwarded message (%d times)", fwd.ForwardChain)
		}
		return "Forwarded message"
	}
	return ""
}
