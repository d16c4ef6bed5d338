// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package threads keeps thread replies readable for clients without thread
// support and maintains per-thread summaries.
package threads

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/clientsync/syncapi/api"
	"github.com/element-hq/clientsync/syncapi/storage"
	"github.com/element-hq/clientsync/syncapi/types"
)

const (
	replyPattern  = `<mx-reply><blockquote><a href="%s">In reply to</a> <a href="%s">%s</a><br />%s</blockquote></mx-reply>%s`
	permalinkBase = "https://matrix.to/#/"
	// Longest quote of the replied-to event, in runes.
	maxQuoteLength = 80
)

// Rewriter builds legacy reply content for thread replies.
type Rewriter struct {
	// Decrypter is used to decrypt the replied-to event when it is stored
	// without a decryption result. May be nil.
	Decrypter api.Decrypter
}

// Rewrite returns the content override of rec, or nil when rec is not a
// thread reply or the event it replies to isn't known locally. The payload
// of rec is read from its decryption result when it is encrypted. Neither
// rec nor the stored events are modified, apart from caching a decryption
// result for the replied-to event.
func (r *Rewriter) Rewrite(
	ctx context.Context, txn storage.Transaction, rec *types.TimelineEventRecord, agg *types.Aggregator,
) (json.RawMessage, error) {
	payload := ClearContent(rec)
	rootID := types.ThreadRootOf(payload)
	if rootID == "" {
		return nil, nil
	}
	targetID := gjson.GetBytes(payload, `m\.relates_to.m\.in_reply_to.event_id`).Str
	if targetID == "" {
		targetID = rootID
	}

	target, err := txn.Event(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("txn.Event: %w", err)
	}
	if target == nil {
		agg.MissingThreadRoots[targetID] = rec.RoomID
		return nil, nil
	}
	if target.Event.IsEncrypted() && target.Decryption == nil {
		if !r.decryptTarget(ctx, txn, target) {
			return nil, nil
		}
	}
	targetBody := textSummary(target.Event.Type, ClearContent(target))
	if targetBody == "" {
		return nil, nil
	}
	body := textSummary(rec.Event.Type, payload)
	if body == "" {
		return nil, nil
	}

	formatted := fmt.Sprintf(replyPattern,
		permalink(rec.RoomID, target.Event.EventID),
		permalink(target.Event.Sender),
		html.EscapeString(target.Event.Sender),
		html.EscapeString(trimQuote(targetBody)),
		html.EscapeString(body),
	)

	content := []byte(`{}`)
	for _, field := range []struct {
		path  string
		value string
	}{
		{"msgtype", "m.text"},
		{"body", body},
		{"format", "org.matrix.custom.html"},
		{"formatted_body", formatted},
	} {
		if content, err = sjson.SetBytes(content, field.path, field.value); err != nil {
			return nil, err
		}
	}
	if relation := gjson.GetBytes(payload, `m\.relates_to`); relation.IsObject() {
		if content, err = sjson.SetRawBytes(content, `m\.relates_to`, []byte(relation.Raw)); err != nil {
			return nil, err
		}
	}
	if content, err = sjson.SetBytes(content, `m\.relates_to.m\.in_reply_to.event_id`, target.Event.EventID); err != nil {
		return nil, err
	}
	return content, nil
}

func (r *Rewriter) decryptTarget(ctx context.Context, txn storage.Transaction, target *types.TimelineEventRecord) bool {
	if r.Decrypter == nil {
		return false
	}
	result, err := r.Decrypter.DecryptEvent(ctx, target.RoomID, &target.Event)
	if err != nil {
		util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
			"room_id":  target.RoomID,
			"event_id": target.Event.EventID,
		}).Debug("Failed to decrypt replied-to thread event")
		return false
	}
	if err = txn.UpdateEventDecryption(ctx, target.Event.EventID, result, ""); err != nil {
		util.GetLogger(ctx).WithError(err).Warn("Failed to store decryption result")
	}
	target.Decryption = result
	return true
}

// permalink builds a matrix.to link to the given IDs.
func permalink(ids ...string) string {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = strings.ReplaceAll(id, "/", "%2F")
	}
	return permalinkBase + strings.Join(escaped, "/")
}

// ClearContent returns the content of the event as a reader sees it.
func ClearContent(rec *types.TimelineEventRecord) json.RawMessage {
	if rec.Event.IsEncrypted() {
		if rec.Decryption == nil {
			return nil
		}
		content := gjson.GetBytes(rec.Decryption.ClearEvent, "content")
		if !content.IsObject() {
			return nil
		}
		return json.RawMessage(content.Raw)
	}
	return rec.Event.Content
}

// textSummary returns a short plain text rendition of a message.
func textSummary(eventType string, content json.RawMessage) string {
	if content == nil {
		return ""
	}
	switch gjson.GetBytes(content, "msgtype").Str {
	case "m.file":
		return "sent a file."
	case "m.audio":
		return "sent an audio file."
	case "m.image":
		return "sent an image."
	case "m.video":
		return "sent a video."
	}
	if eventType == "m.sticker" {
		return "sent a sticker."
	}
	return stripReplyFallback(gjson.GetBytes(content, "body").Str)
}

// stripReplyFallback drops the "> " quoted lines a reply body starts with.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// trimQuote keeps the first line, cut to maxQuoteLength runes.
func trimQuote(body string) string {
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[:i]
	}
	if utf8.RuneCountInString(body) <= maxQuoteLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:maxQuoteLength]) + "…"
}
