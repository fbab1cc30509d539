package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/stringutil"
	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// classifyConfidenceThreshold separates a confident strand binding from
// the menu fallback.
const classifyConfidenceThreshold = 0.7

// Classification is a classifier's verdict for an unbound session.
type Classification struct {
	StrandID   string
	Confidence float64
}

// Classifier maps free-text sessions to strands. Implementations are
// external; a nil classifier always falls back to the strand menu.
type Classifier interface {
	Classify(ctx context.Context, sessionKey string) (Classification, error)
}

// classifySession handles a session no index knows about: ask the
// classifier, bind the session to the winning strand on a confident
// verdict, otherwise inject a menu of known strands. Every decision is
// recorded in the audit log.
func (o *Orchestrator) classifySession(ctx context.Context, sessionKey string) (string, bool) {
	var verdict Classification
	if o.classifier != nil {
		v, err := o.classifier.Classify(ctx, sessionKey)
		if err != nil {
			o.logger.Debug("classification failed",
				zap.String("session_key", sessionKey), zap.Error(err))
		} else {
			verdict = v
		}
	}

	if verdict.StrandID != "" && verdict.Confidence >= classifyConfidenceThreshold {
		if strandCtx := o.bindClassifiedSession(sessionKey, verdict.StrandID); strandCtx != "" {
			o.recordClassification(sessionKey, verdict, false)
			return strandCtx, true
		}
	}

	menu := o.strandMenu()
	if menu == "" {
		return "", false
	}
	o.recordClassification(sessionKey, verdict, true)
	return menu, true
}

// bindClassifiedSession indexes the session under the strand and
// returns the strand context, or "" when the strand vanished.
func (o *Orchestrator) bindClassifiedSession(sessionKey, strandID string) string {
	var strandCtx string
	err := o.store.Update(func(d *store.Data) error {
		strand, ok := d.Strands[strandID]
		if !ok {
			return nil
		}
		d.SessionStrandIndex[sessionKey] = strandID
		strand.Touch(o.clock)
		strandCtx = buildStrandContext(d, strand, sessionKey)
		return nil
	})
	if err != nil {
		o.logger.Warn("classified session binding failed", zap.Error(err))
		return ""
	}
	return strandCtx
}

// strandMenu lists every strand with its keywords so an unclassified
// agent can ask the user to pick.
func (o *Orchestrator) strandMenu() string {
	var lines []string
	o.store.View(func(d *store.Data) {
		for _, strand := range sortedStrands(d) {
			line := "- " + strand.Name
			if len(strand.Keywords) > 0 {
				line += " (keywords: " + strings.Join(strand.Keywords, ", ") + ")"
			}
			if strand.Description != "" {
				line += ": " + stringutil.TruncateString(strand.Description, 80)
			}
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return ""
	}
	return "This session is not bound to a project yet. Available projects:\n" +
		strings.Join(lines, "\n") +
		"\nUse the strand_bind tool to attach this session to one of them."
}

// sortedStrands returns strands in creation order (IDs are monotonic).
func sortedStrands(d *store.Data) []*entities.Strand {
	var strands []*entities.Strand
	for _, strand := range d.Strands {
		strands = append(strands, strand)
	}
	sort.Slice(strands, func(i, j int) bool {
		if strands[i].CreatedAtMs != strands[j].CreatedAtMs {
			return strands[i].CreatedAtMs < strands[j].CreatedAtMs
		}
		return strands[i].ID < strands[j].ID
	})
	return strands
}

func (o *Orchestrator) recordClassification(sessionKey string, verdict Classification, menuShown bool) {
	if o.audit == nil {
		return
	}
	o.audit.Record(events.ClassifierAuditEntry{
		SessionKey: sessionKey,
		StrandID:   verdict.StrandID,
		Confidence: verdict.Confidence,
		MenuShown:  menuShown,
		Preview:    stringutil.TruncateString(fmt.Sprintf("strand=%s conf=%.2f", verdict.StrandID, verdict.Confidence), 120),
	})
}
