/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package mlist defines mailing list and member records and the narrow
// store interface the message processing core consumes them through.
package mlist

import (
	"strings"
	"time"
)

// Reply-To munging policies.
const (
	ReplyToPoster   = "poster"
	ReplyToList     = "list"
	ReplyToExplicit = "explicit"
)

// Moderation actions.
const (
	ActionAccept  = "accept"
	ActionHold    = "hold"
	ActionReject  = "reject"
	ActionDiscard = "discard"
	ActionDefer   = "defer"
)

// DMARC moderation actions in addition to ActionHold, ActionReject and
// ActionDiscard.
const (
	DMARCNone      = "none"
	DMARCMungeFrom = "munge_from"
)

// Subscription policies.
const (
	SubscribeOpen            = "open"
	SubscribeConfirm         = "confirm"
	SubscribeModerate        = "moderate"
	SubscribeConfirmModerate = "confirm_moderate"
)

// Personalization modes.
const (
	PersonalizeNone       = "none"
	PersonalizeIndividual = "individual"
	PersonalizeFull       = "full"
)

// Digest volume frequencies.
const (
	FreqYearly    = "yearly"
	FreqMonthly   = "monthly"
	FreqQuarterly = "quarterly"
	FreqWeekly    = "weekly"
	FreqDaily     = "daily"
)

// Content filter actions.
const (
	FilterDiscard  = "discard"
	FilterReject   = "reject"
	FilterForward  = "forward"
	FilterPreserve = "preserve"
)

type HeaderMatch struct {
	Header  string `json:"header"`
	Pattern string `json:"pattern"`
	// Action is a chain name, empty means the site default.
	Action string `json:"action,omitempty"`
}

type Topic struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// AutoresponseRecord counts automatic responses sent to one address on
// one day.
type AutoresponseRecord struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// MailingList is the mailing list configuration and state.
//
// Fields are serialized as JSON by the SQL store, so new fields must keep
// the zero value meaningful.
type MailingList struct {
	// Name is the fully qualified list name (posting address).
	Name              string `json:"name"`
	DisplayName       string `json:"display_name,omitempty"`
	Description       string `json:"description,omitempty"`
	PreferredLanguage string `json:"preferred_language,omitempty"`

	// Password is the moderator password accepted in Approved: headers.
	Password string `json:"password,omitempty"`

	Chain    string `json:"chain,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`

	EmergencyModeration        bool          `json:"emergency,omitempty"`
	Administrivia              bool          `json:"administrivia,omitempty"`
	RequireExplicitDestination bool          `json:"require_explicit_destination,omitempty"`
	AcceptableAliases          []string      `json:"acceptable_aliases,omitempty"`
	MaxNumRecipients           int           `json:"max_num_recipients,omitempty"`
	MaxMessageSize             int           `json:"max_message_size,omitempty"` // KiB
	BounceMatchingHeaders      []string      `json:"bounce_matching_headers,omitempty"`
	HeaderMatches              []HeaderMatch `json:"header_matches,omitempty"`
	BanList                    []string      `json:"ban_list,omitempty"`

	MemberModerationAction string   `json:"member_moderation_action,omitempty"`
	GenericNonmemberAction string   `json:"generic_nonmember_action,omitempty"`
	AcceptTheseNonmembers  []string `json:"accept_these_nonmembers,omitempty"`
	HoldTheseNonmembers    []string `json:"hold_these_nonmembers,omitempty"`
	RejectTheseNonmembers  []string `json:"reject_these_nonmembers,omitempty"`
	DiscardTheseNonmembers []string `json:"discard_these_nonmembers,omitempty"`
	DMARCModerationAction  string   `json:"dmarc_moderation_action,omitempty"`

	SubjectPrefix         string `json:"subject_prefix,omitempty"`
	ReplyGoesToList       string `json:"reply_goes_to_list,omitempty"`
	ReplyToAddress        string `json:"reply_to_address,omitempty"`
	FirstStripReplyTo     bool   `json:"first_strip_reply_to,omitempty"`
	Anonymous             bool   `json:"anonymous,omitempty"`
	IncludeRFC2369Headers bool   `json:"include_rfc2369_headers,omitempty"`
	IncludeListPostHeader bool   `json:"include_list_post_header,omitempty"`
	StripDKIM             bool   `json:"strip_dkim,omitempty"`

	FilterContent          bool     `json:"filter_content,omitempty"`
	FilterMIMETypes        []string `json:"filter_mime_types,omitempty"`
	PassMIMETypes          []string `json:"pass_mime_types,omitempty"`
	FilterExtensions       []string `json:"filter_extensions,omitempty"`
	PassExtensions         []string `json:"pass_extensions,omitempty"`
	CollapseAlternatives   bool     `json:"collapse_alternatives,omitempty"`
	ConvertHTMLToPlaintext bool     `json:"convert_html_to_plaintext,omitempty"`
	FilterAction           string   `json:"filter_action,omitempty"`
	ScrubNonDigest         bool     `json:"scrub_nondigest,omitempty"`

	TopicsEnabled       bool    `json:"topics_enabled,omitempty"`
	TopicsBodyLines     int     `json:"topics_bodylines_limit,omitempty"`
	Topics              []Topic `json:"topics,omitempty"`
	Personalize         string  `json:"personalize,omitempty"`
	MsgHeader           string  `json:"msg_header,omitempty"`
	MsgFooter           string  `json:"msg_footer,omitempty"`
	Archive             bool    `json:"archive,omitempty"`
	ArchivePrivate      bool    `json:"archive_private,omitempty"`
	GatewayToNews       bool    `json:"gateway_to_news,omitempty"`
	NewsModerated       bool    `json:"news_moderated,omitempty"`
	LinkedNewsgroup     string  `json:"linked_newsgroup,omitempty"`
	NewsPrefixSubject   bool    `json:"news_prefix_subject_too,omitempty"`
	AckPosts            bool    `json:"ack_posts,omitempty"`
	AdminImmedNotify    bool    `json:"admin_immed_notify,omitempty"`
	RespondToPostReqs   bool    `json:"respond_to_post_requests,omitempty"`
	AutorespondPosts    bool    `json:"autorespond_postings,omitempty"`
	AutoresponsePosts   string  `json:"autoresponse_postings_text,omitempty"`
	SubscribePolicy     string  `json:"subscribe_policy,omitempty"`
	UnsubscribePolicy   string  `json:"unsubscribe_policy,omitempty"`
	SendWelcomeMsg      bool    `json:"send_welcome_msg,omitempty"`
	SendGoodbyeMsg      bool    `json:"send_goodbye_msg,omitempty"`
	Info                string  `json:"info,omitempty"`
	DigestIsDefault     bool    `json:"digest_is_default,omitempty"`
	MIMEIsDefaultDigest bool    `json:"mime_is_default_digest,omitempty"`

	Digestable            bool      `json:"digestable,omitempty"`
	DigestSizeThreshold   int       `json:"digest_size_threshold,omitempty"` // KiB
	DigestSendPeriodic    bool      `json:"digest_send_periodic,omitempty"`
	DigestVolumeFrequency string    `json:"digest_volume_frequency,omitempty"`
	DigestHeader          string    `json:"digest_header,omitempty"`
	DigestFooter          string    `json:"digest_footer,omitempty"`
	Volume                int       `json:"volume,omitempty"`
	NextDigestNumber      int       `json:"next_digest_number,omitempty"`
	DigestLastSentAt      time.Time `json:"digest_last_sent_at"`
	// OneLastDigest holds addresses that switched from digest to regular
	// delivery and still have to receive the pending digest.
	OneLastDigest []string `json:"one_last_digest,omitempty"`

	BounceProcessing              bool          `json:"bounce_processing,omitempty"`
	BounceScoreThreshold          float64       `json:"bounce_score_threshold,omitempty"`
	BounceInfoStaleAfter          time.Duration `json:"bounce_info_stale_after,omitempty"`
	BounceDisabledWarnings        int           `json:"bounce_you_are_disabled_warnings,omitempty"`
	BounceDisabledWarningInterval time.Duration `json:"bounce_you_are_disabled_warnings_interval,omitempty"`
	BounceUnrecognizedToOwner     bool          `json:"bounce_unrecognized_goes_to_list_owner,omitempty"`
	BounceNotifyOwnerOnDisable    bool          `json:"bounce_notify_owner_on_disable,omitempty"`
	BounceNotifyOwnerOnRemoval    bool          `json:"bounce_notify_owner_on_removal,omitempty"`

	PostID     int       `json:"post_id,omitempty"`
	LastPostAt time.Time `json:"last_post_at"`

	// Autoresponses is keyed by the recipient address.
	Autoresponses map[string]AutoresponseRecord `json:"autoresponses,omitempty"`
}

// New returns a list record with default settings.
func New(name string) *MailingList {
	name = strings.ToLower(name)
	return &MailingList{
		Name:                          name,
		PreferredLanguage:             "en",
		Chain:                         "built-in",
		Pipeline:                      "default-pipeline",
		Administrivia:                 true,
		RequireExplicitDestination:    true,
		MaxMessageSize:                40,
		MemberModerationAction:        ActionHold,
		GenericNonmemberAction:        ActionHold,
		DMARCModerationAction:         DMARCNone,
		SubjectPrefix:                 "[" + localPart(name) + "] ",
		ReplyGoesToList:               ReplyToPoster,
		IncludeRFC2369Headers:         true,
		IncludeListPostHeader:         true,
		CollapseAlternatives:          true,
		FilterAction:                  FilterDiscard,
		Personalize:                   PersonalizeNone,
		Archive:                       true,
		RespondToPostReqs:             true,
		SubscribePolicy:               SubscribeConfirm,
		UnsubscribePolicy:             SubscribeOpen,
		SendWelcomeMsg:                true,
		SendGoodbyeMsg:                true,
		Digestable:                    true,
		DigestSizeThreshold:           30,
		DigestSendPeriodic:            true,
		DigestVolumeFrequency:         FreqMonthly,
		Volume:                        1,
		NextDigestNumber:              1,
		BounceProcessing:              true,
		BounceScoreThreshold:          5.0,
		BounceInfoStaleAfter:          7 * 24 * time.Hour,
		BounceDisabledWarnings:        3,
		BounceDisabledWarningInterval: 7 * 24 * time.Hour,
		BounceNotifyOwnerOnDisable:    true,
		BounceNotifyOwnerOnRemoval:    true,
	}
}

func localPart(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i != -1 {
		return addr[:i]
	}
	return addr
}

func (l *MailingList) LocalPart() string {
	return localPart(l.Name)
}

func (l *MailingList) Host() string {
	if i := strings.LastIndexByte(l.Name, '@'); i != -1 {
		return l.Name[i+1:]
	}
	return ""
}

// Address returns the list sub-address such as "bounces" or "request".
// An empty suffix is the posting address.
func (l *MailingList) Address(suffix string) string {
	if suffix == "" {
		return l.Name
	}
	return l.LocalPart() + "-" + suffix + "@" + l.Host()
}

func (l *MailingList) PostingAddress() string { return l.Name }
func (l *MailingList) RequestAddress() string { return l.Address("request") }
func (l *MailingList) BouncesAddress() string { return l.Address("bounces") }
func (l *MailingList) OwnerAddress() string   { return l.Address("owner") }
func (l *MailingList) LoopAddress() string    { return l.Address("loop") }

func (l *MailingList) ConfirmAddress(token string) string {
	return l.LocalPart() + "-confirm+" + token + "@" + l.Host()
}

// ListID returns the RFC 2919 List-Id value.
func (l *MailingList) ListID() string {
	return "<" + l.LocalPart() + "." + l.Host() + ">"
}

// RealName returns the display name or the capitalized local part.
func (l *MailingList) RealName() string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	lp := l.LocalPart()
	if lp == "" {
		return lp
	}
	return strings.ToUpper(lp[:1]) + lp[1:]
}

func (l *MailingList) Personalized() bool {
	return l.Personalize == PersonalizeIndividual || l.Personalize == PersonalizeFull
}

func (l *MailingList) Copy() *MailingList {
	c := *l
	c.AcceptableAliases = cloneStrings(l.AcceptableAliases)
	c.BounceMatchingHeaders = cloneStrings(l.BounceMatchingHeaders)
	c.HeaderMatches = append([]HeaderMatch(nil), l.HeaderMatches...)
	c.BanList = cloneStrings(l.BanList)
	c.AcceptTheseNonmembers = cloneStrings(l.AcceptTheseNonmembers)
	c.HoldTheseNonmembers = cloneStrings(l.HoldTheseNonmembers)
	c.RejectTheseNonmembers = cloneStrings(l.RejectTheseNonmembers)
	c.DiscardTheseNonmembers = cloneStrings(l.DiscardTheseNonmembers)
	c.FilterMIMETypes = cloneStrings(l.FilterMIMETypes)
	c.PassMIMETypes = cloneStrings(l.PassMIMETypes)
	c.FilterExtensions = cloneStrings(l.FilterExtensions)
	c.PassExtensions = cloneStrings(l.PassExtensions)
	c.Topics = append([]Topic(nil), l.Topics...)
	c.OneLastDigest = cloneStrings(l.OneLastDigest)
	if l.Autoresponses != nil {
		c.Autoresponses = make(map[string]AutoresponseRecord, len(l.Autoresponses))
		for k, v := range l.Autoresponses {
			c.Autoresponses[k] = v
		}
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}
