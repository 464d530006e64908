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

// Package site holds the application context shared by all components of
// one listd process: the site configuration, the list store and the
// collaborating services. It is constructed once at startup and passed
// explicitly.
package site

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/listd/framework/dns"
	"github.com/foxcpp/listd/framework/hooks"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/archive"
	"github.com/foxcpp/listd/internal/lock"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/foxcpp/listd/internal/pending"
	"github.com/foxcpp/listd/internal/switchboard"
	"github.com/foxcpp/listd/internal/templates"
)

// Queue names.
const (
	QueueIn       = "in"
	QueuePipeline = "pipeline"
	QueueOut      = "out"
	QueueRetry    = "retry"
	QueueBounces  = "bounces"
	QueueCommands = "commands"
	QueueVirgin   = "virgin"
	QueueArchive  = "archive"
	QueueDigest   = "digest"
	QueueNews     = "news"
	QueueShunt    = "shunt"
)

// Queues lists all processing queues.
var Queues = []string{
	QueueIn, QueuePipeline, QueueOut, QueueRetry, QueueBounces, QueueCommands,
	QueueVirgin, QueueArchive, QueueDigest, QueueNews, QueueShunt,
}

// Pipeline names.
const (
	DefaultPipeline = "default-pipeline"
	OwnerPipeline   = "owner-pipeline"
	VirginPipeline  = "virgin-pipeline"
)

type SMTPConfig struct {
	Host          string
	Port          int
	MaxRecipients int
	Hello         string
	Timeout       time.Duration
}

type VERPConfig struct {
	Delimiter string
	// Personalized enables VERP for personalized lists.
	Personalized bool
	// Interval N enables VERP for every N-th post, 0 disables.
	Interval      int
	Probes        bool
	Confirmations bool
}

type DeliveryConfig struct {
	RetryPeriod   time.Duration
	RetryDelay    time.Duration
	RetryInterval time.Duration
}

type AutoresponseConfig struct {
	MaxPerDay   int
	GracePeriod time.Duration
}

type NewsConfig struct {
	Server  string
	Timeout time.Duration
}

type Config struct {
	Hostname        string
	SiteOwner       string
	StateDir        string
	RuntimeDir      string
	DefaultLanguage string

	ListLockTimeout  time.Duration
	ListLockLifetime time.Duration

	SMTP         SMTPConfig
	VERP         VERPConfig
	Delivery     DeliveryConfig
	Autoresponse AutoresponseConfig
	News         NewsConfig

	// HeaderMatches apply to all lists in addition to the per-list ones.
	HeaderMatches []mlist.HeaderMatch
}

// DefaultConfig returns the configuration with all defaults set.
func DefaultConfig() Config {
	return Config{
		Hostname:         "localhost",
		SiteOwner:        "postmaster@localhost",
		StateDir:         "/var/lib/listd",
		RuntimeDir:       "/run/listd",
		DefaultLanguage:  "en",
		ListLockTimeout:  10 * time.Second,
		ListLockLifetime: 5 * time.Minute,
		SMTP: SMTPConfig{
			Host:    "localhost",
			Port:    25,
			Timeout: 5 * time.Minute,
		},
		VERP: VERPConfig{
			Delimiter: "+",
		},
		Delivery: DeliveryConfig{
			RetryPeriod:   5 * 24 * time.Hour,
			RetryDelay:    15 * time.Minute,
			RetryInterval: 15 * time.Minute,
		},
		Autoresponse: AutoresponseConfig{
			MaxPerDay:   10,
			GracePeriod: 90 * 24 * time.Hour,
		},
		News: NewsConfig{
			Timeout: 30 * time.Second,
		},
	}
}

type Site struct {
	Config

	Log       log.Logger
	Lists     mlist.Manager
	Pending   *pending.Store
	Templates *templates.Renderer
	Archivers []archive.Archiver
	Resolver  dns.Resolver
	Hooks     *hooks.Registry

	// Now returns the current time. Tests replace it to move the clock.
	Now func() time.Time

	queuesLock sync.Mutex
	queues     map[string]*switchboard.Switchboard
}

// New creates the context. Lists must be set by the caller.
func New(cfg Config, logger log.Logger) *Site {
	return &Site{
		Config:    cfg,
		Log:       logger,
		Pending:   pending.New(filepath.Join(cfg.StateDir, "pending.db"), 0),
		Templates: templates.New(""),
		Resolver:  dns.DefaultResolver(),
		Hooks:     &hooks.Registry{},
		Now:       time.Now,
		queues:    map[string]*switchboard.Switchboard{},
	}
}

func (s *Site) QueueDir(name string) string {
	return filepath.Join(s.StateDir, "queue", name)
}

// BadDir holds preserved (.psv) queue entries.
func (s *Site) BadDir() string {
	return filepath.Join(s.StateDir, "queue", "bad")
}

// ListDir holds per-list state files such as the digest mailbox.
func (s *Site) ListDir(list string) string {
	return filepath.Join(s.StateDir, "lists", strings.ToLower(list))
}

func (s *Site) LockDir() string {
	return filepath.Join(s.StateDir, "locks")
}

// ListLock returns the lock object for the list. It does not acquire it.
func (s *Site) ListLock(list string) *lock.Lock {
	return lock.New(filepath.Join(s.LockDir(), strings.ToLower(list)+".lck"), s.ListLockLifetime)
}

// LockList acquires the list lock using the configured timeout.
func (s *Site) LockList(ctx context.Context, list string) (*lock.Lock, error) {
	if err := os.MkdirAll(s.LockDir(), 0o700); err != nil {
		return nil, err
	}
	l := s.ListLock(list)
	if err := l.Acquire(ctx, s.ListLockTimeout); err != nil {
		return nil, err
	}
	return l, nil
}

// Queue returns the switchboard used to enqueue into the named queue.
func (s *Site) Queue(name string) (*switchboard.Switchboard, error) {
	s.queuesLock.Lock()
	defer s.queuesLock.Unlock()

	if sb, ok := s.queues[name]; ok {
		return sb, nil
	}
	sb, err := switchboard.New(name, s.QueueDir(name), s.BadDir(), 0, 1, s.Log.Sub("switchboard/"+name))
	if err != nil {
		return nil, err
	}
	s.queues[name] = sb
	return sb, nil
}

// Enqueue stores msg in the named queue.
func (s *Site) Enqueue(queue string, msg *mailmsg.Message, meta *switchboard.Metadata) (string, error) {
	sb, err := s.Queue(queue)
	if err != nil {
		return "", err
	}
	return sb.Enqueue(msg, meta)
}

// Job is one queue entry being processed for a list.
type Job struct {
	List *mlist.MailingList
	Msg  *mailmsg.Message
	Meta *switchboard.Metadata

	// Store is the list store transaction the entry is processed in.
	Store mlist.Store

	// FileBase of the queue entry, used for logging.
	FileBase string
	Lang     string
}

// SaveList persists modifications of j.List.
func (j *Job) SaveList(ctx context.Context) error {
	return j.Store.SaveList(ctx, j.List)
}

// Logger returns the logger with job fields attached.
func (j *Job) Logger(l log.Logger) log.Logger {
	fields := []interface{}{"msg_id", j.FileBase}
	if j.List != nil {
		fields = append(fields, "list", j.List.Name)
	}
	return l.With(fields...)
}

func (s *Site) lang(l *mlist.MailingList, lang string) string {
	if lang != "" {
		return lang
	}
	if l != nil && l.PreferredLanguage != "" {
		return l.PreferredLanguage
	}
	return s.DefaultLanguage
}

// Notice is a message generated by listd.
type Notice struct {
	List *mlist.MailingList
	To   []string
	// From defaults to the list -bounces address, or the site owner when
	// the notice is not tied to a list.
	From     string
	Subject  string
	Template string
	Lang     string
	Data     map[string]interface{}

	// Text is used instead of Template when set.
	Text string

	// Attach is included as a message/rfc822 part.
	Attach *mailmsg.Message

	// ReplyTo of the notice, typically the confirmation address.
	ReplyTo string

	// EnvSender overrides the envelope sender.
	EnvSender string

	// Meta is copied into the virgin queue entry when set.
	Meta *switchboard.Metadata
}

// Compose builds the notice message.
func (s *Site) Compose(n *Notice) (*mailmsg.Message, error) {
	text := n.Text
	if n.Template != "" {
		var err error
		text, err = s.Templates.Render(n.Template, s.lang(n.List, n.Lang), n.List, n.Data)
		if err != nil {
			return nil, err
		}
	}

	from := n.From
	if from == "" {
		if n.List != nil {
			from = n.List.BouncesAddress()
		} else {
			from = s.SiteOwner
		}
	}
	domain := s.Hostname
	if n.List != nil {
		domain = n.List.Host()
	}

	h := mailmsg.Header(from, strings.Join(n.To, ", "), n.Subject, domain)
	h.Set("Precedence", "bulk")
	h.Set("Auto-Submitted", "auto-generated")
	if n.ReplyTo != "" {
		h.Set("Reply-To", n.ReplyTo)
	}
	if n.List != nil {
		h.Set("List-Id", n.List.ListID())
		h.Set("X-BeenThere", n.List.Name)
	}

	if n.Attach == nil {
		return mailmsg.NewText(h, text)
	}
	return mailmsg.NewMultipart(h, "mixed", mailmsg.TextPart(text), mailmsg.MessagePart(n.Attach))
}

// Notify composes the notice and places it into the virgin queue.
func (s *Site) Notify(n *Notice) error {
	if len(n.To) == 0 {
		return nil
	}
	msg, err := s.Compose(n)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return s.SendVirgin(n.List, msg, n.To, n.EnvSender, n.Meta)
}

// SendVirgin enqueues a generated message for delivery to rcpts. Virgin
// messages skip the posting chain.
func (s *Site) SendVirgin(l *mlist.MailingList, msg *mailmsg.Message, rcpts []string, envSender string, base *switchboard.Metadata) error {
	meta := base.Clone()
	if l != nil {
		meta.ListName = l.Name
	}
	meta.Recips = append([]string(nil), rcpts...)
	if envSender != "" {
		meta.EnvSender = envSender
	}
	_, err := s.Enqueue(QueueVirgin, msg, meta)
	return err
}

// NotifyOwners sends the notice to list owners and moderators, or to the
// site owner if the list has none.
func (s *Site) NotifyOwners(ctx context.Context, store mlist.Store, n *Notice) error {
	owners, err := mlist.Moderators(ctx, store, n.List.Name)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		owners = []string{s.SiteOwner}
	}
	n.To = owners
	return s.Notify(n)
}
