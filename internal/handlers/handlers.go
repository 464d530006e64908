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

// Package handlers implements the pipelines applied to accepted posts and
// generated messages before they are queued for delivery.
package handlers

import (
	"context"
	"fmt"
	"sort"

	"github.com/foxcpp/listd/framework/exterrors"
	"github.com/foxcpp/listd/internal/site"
)

// Outcome is the result of a handler.
type Outcome interface {
	outcome()
	String() string
}

// Continue passes the message to the next handler.
type Continue struct{}

// Discard drops the message silently.
type Discard struct{ Reason string }

// Reject drops the message and sends the reason to the author.
type Reject struct{ Reason string }

// Hold stores the message for moderator review.
type Hold struct{ Reason string }

func (Continue) outcome() {}
func (Discard) outcome()  {}
func (Reject) outcome()   {}
func (Hold) outcome()     {}

func (Continue) String() string  { return "continue" }
func (d Discard) String() string { return "discard: " + d.Reason }
func (r Reject) String() string  { return "reject: " + r.Reason }
func (h Hold) String() string    { return "hold: " + h.Reason }

type Handler interface {
	Name() string
	Description() string
	Process(ctx context.Context, s *site.Site, j *site.Job) (Outcome, error)
}

type HandlerFunc func(ctx context.Context, s *site.Site, j *site.Job) (Outcome, error)

type funcHandler struct {
	name string
	desc string
	f    HandlerFunc
}

func (h funcHandler) Name() string        { return h.name }
func (h funcHandler) Description() string { return h.desc }
func (h funcHandler) Process(ctx context.Context, s *site.Site, j *site.Job) (Outcome, error) {
	return h.f(ctx, s, j)
}

func New(name, desc string, f HandlerFunc) Handler {
	return funcHandler{name: name, desc: desc, f: f}
}

// continueOnly adapts functions that never stop the pipeline.
func continueOnly(f func(ctx context.Context, s *site.Site, j *site.Job) error) HandlerFunc {
	return func(ctx context.Context, s *site.Site, j *site.Job) (Outcome, error) {
		return Continue{}, f(ctx, s, j)
	}
}

var (
	handlers  = map[string]Handler{}
	pipelines = map[string][]string{}
)

// Register adds the handler to the global registry. It panics on duplicate
// names and should be called from init functions.
func Register(h Handler) {
	if _, ok := handlers[h.Name()]; ok {
		panic("handlers: duplicate handler name: " + h.Name())
	}
	handlers[h.Name()] = h
}

func Get(name string) (Handler, error) {
	h, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("handlers: unknown handler: %s", name)
	}
	return h, nil
}

// RegisterPipeline defines the named pipeline. All handlers must be
// registered already.
func RegisterPipeline(name string, handlerNames ...string) error {
	for _, hn := range handlerNames {
		if _, err := Get(hn); err != nil {
			return fmt.Errorf("pipeline %s: %w", name, err)
		}
	}
	pipelines[name] = handlerNames
	return nil
}

// Pipeline returns the handler names of the pipeline.
func Pipeline(name string) ([]string, error) {
	p, ok := pipelines[name]
	if !ok {
		return nil, fmt.Errorf("handlers: unknown pipeline: %s", name)
	}
	return p, nil
}

func PipelineNames() []string {
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run applies the pipeline to the job. The first outcome other than
// Continue stops processing and is returned.
func Run(ctx context.Context, s *site.Site, j *site.Job, pipeline string) (Outcome, error) {
	names, err := Pipeline(pipeline)
	if err != nil {
		return nil, err
	}
	log := j.Logger(s.Log)
	for _, name := range names {
		h := handlers[name]
		out, err := h.Process(ctx, s, j)
		if err != nil {
			return nil, exterrors.WithFields(err, map[string]interface{}{
				"pipeline": pipeline,
				"handler":  name,
			})
		}
		if _, ok := out.(Continue); !ok {
			log.DebugMsg("pipeline stopped", "handler", name, "outcome", out.String())
			return out, nil
		}
	}
	return Continue{}, nil
}

// Names of built-in handlers.
const (
	MIMEDelete          = "mime-delete"
	Scrubber            = "scrubber"
	Tagger              = "tagger"
	CalculateRecipients = "calculate-recipients"
	AvoidDuplicates     = "avoid-duplicates"
	Cleanse             = "cleanse"
	CleanseDKIM         = "cleanse-dkim"
	CookHeaders         = "cook-headers"
	ToDigest            = "to-digest"
	ToArchive           = "to-archive"
	ToUsenet            = "to-usenet"
	AfterDelivery       = "after-delivery"
	Acknowledge         = "acknowledge"
	ToOutgoing          = "to-outgoing"
	OwnerRecipients     = "owner-recipients"
)

func init() {
	Register(New(MIMEDelete, "Filter the MIME content of messages.", mimeDelete))
	Register(New(Scrubber, "Detach attachments into the list attachment store.", continueOnly(scrub)))
	Register(New(Tagger, "Tag messages with topic matches.", continueOnly(tag)))
	Register(New(CalculateRecipients, "Calculate the regular recipients of the message.", calculateRecipients))
	Register(New(AvoidDuplicates, "Suppress some duplicates of the same message.", continueOnly(avoidDuplicates)))
	Register(New(Cleanse, "Cleanse certain headers from all messages.", continueOnly(cleanse)))
	Register(New(CleanseDKIM, "Remove DomainKeys headers after recording their verification result.", continueOnly(cleanseDKIM)))
	Register(New(CookHeaders, "Modify message headers.", continueOnly(cookHeaders)))
	Register(New(ToDigest, "Add the message to the digest, possibly sending it.", continueOnly(toDigest)))
	Register(New(ToArchive, "Add the message to the archives.", continueOnly(toArchive)))
	Register(New(ToUsenet, "Move the message to the outbound NNTP queue.", continueOnly(toUsenet)))
	Register(New(AfterDelivery, "Perform some bookkeeping after a successful post.", continueOnly(afterDelivery)))
	Register(New(Acknowledge, "Send an acknowledgment of a posting.", continueOnly(acknowledge)))
	Register(New(ToOutgoing, "Send messages to the outgoing queue.", continueOnly(toOutgoing)))
	Register(New(OwnerRecipients, "Calculate the owner and moderator recipients.", continueOnly(ownerRecipients)))

	mustPipeline(site.DefaultPipeline,
		MIMEDelete, Scrubber, Tagger, CalculateRecipients, AvoidDuplicates, Cleanse, CleanseDKIM,
		CookHeaders, ToDigest, ToArchive, ToUsenet, AfterDelivery, Acknowledge, ToOutgoing)
	mustPipeline(site.OwnerPipeline, OwnerRecipients, ToOutgoing)
	mustPipeline(site.VirginPipeline, CookHeaders, ToOutgoing)
}

func mustPipeline(name string, handlerNames ...string) {
	if err := RegisterPipeline(name, handlerNames...); err != nil {
		panic(err)
	}
}
