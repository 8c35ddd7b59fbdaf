package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"patchwatch/internal/retry"
	logx "patchwatch/pkg/logx"
)

const (
	DefaultLoginSelector    = "a.button--icon--login"
	DefaultUsernameSelector = `input[name="login"], input#email--js`
	DefaultPasswordSelector = `input[name="password"], input#password--js`
	DefaultKeystrokeDelay   = 100 * time.Millisecond
	DefaultWaitTimeout      = 10 * time.Second
)

// LoginState names the steps of the login sequence, used in logs and errors.
type LoginState string

const (
	StateNavigate    LoginState = "navigate"
	StateTrigger     LoginState = "trigger"
	StateAwaitFields LoginState = "await_fields"
	StateSubmit      LoginState = "submit"
	StateVerify      LoginState = "verify"
	StateDone        LoginState = "done"
)

type LoginConfig struct {
	Username         string
	Password         string
	LoginSelector    string
	UsernameSelector string
	PasswordSelector string
	KeystrokeDelay   time.Duration
	WaitTimeout      time.Duration
}

func (c LoginConfig) Enabled() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

func (c LoginConfig) withDefaults() LoginConfig {
	if strings.TrimSpace(c.LoginSelector) == "" {
		c.LoginSelector = DefaultLoginSelector
	}
	if strings.TrimSpace(c.UsernameSelector) == "" {
		c.UsernameSelector = DefaultUsernameSelector
	}
	if strings.TrimSpace(c.PasswordSelector) == "" {
		c.PasswordSelector = DefaultPasswordSelector
	}
	if c.KeystrokeDelay < 0 {
		c.KeystrokeDelay = 0
	} else if c.KeystrokeDelay == 0 {
		c.KeystrokeDelay = DefaultKeystrokeDelay
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	return c
}

// Login drives the forum login flow inside one session.
type Login struct {
	cfg   LoginConfig
	sleep retry.Sleep
	log   logx.Logger
}

func NewLogin(cfg LoginConfig, sleep retry.Sleep, log logx.Logger) *Login {
	if sleep == nil {
		sleep = retry.ContextSleep
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Login{cfg: cfg.withDefaults(), sleep: sleep, log: log}
}

func (l *Login) Enabled() bool { return l != nil && l.cfg.Enabled() }

// Run logs in starting from startURL. The session ends on an authenticated
// copy of startURL.
func (l *Login) Run(ctx context.Context, sess Session, startURL string) error {
	state := StateNavigate
	fail := func(err error) error {
		return fmt.Errorf("login %s: %w", state, err)
	}

	doc, err := sess.Load(ctx, startURL)
	if err != nil {
		return fail(err)
	}

	state = StateTrigger
	link := doc.Find(l.cfg.LoginSelector).First()
	if link.Length() == 0 {
		// no login affordance: the session is already authenticated
		l.log.Debug("login affordance absent; already authenticated")
		return nil
	}
	href, _ := link.Attr("href")
	if _, err := sess.Load(ctx, doc.Resolve(href)); err != nil {
		return fail(err)
	}

	state = StateAwaitFields
	user, err := sess.WaitFor(ctx, l.cfg.UsernameSelector, l.cfg.WaitTimeout)
	if err != nil {
		return fail(err)
	}
	pass, err := sess.WaitFor(ctx, l.cfg.PasswordSelector, l.cfg.WaitTimeout)
	if err != nil {
		return fail(err)
	}

	state = StateSubmit
	form, err := fillForm(sess.Current(), user.First(), pass.First(), l.cfg.Username, l.cfg.Password)
	if err != nil {
		return fail(err)
	}
	typing := time.Duration(len([]rune(l.cfg.Username))+len([]rune(l.cfg.Password))) * l.cfg.KeystrokeDelay
	if err := l.sleep(ctx, typing); err != nil {
		return fail(err)
	}
	if _, err := sess.Submit(ctx, form); err != nil {
		return fail(err)
	}

	state = StateVerify
	doc, err = sess.Load(ctx, startURL)
	if err != nil {
		return fail(err)
	}
	if doc.Has(l.cfg.LoginSelector) {
		return fail(ErrAuthentication)
	}
	l.log.Info("logged in", logx.String("user", l.cfg.Username))
	return nil
}

// fillForm builds the submission for the form enclosing the password
// field, keeping hidden inputs (CSRF tokens and the like).
func fillForm(doc *Document, user, pass *goquery.Selection, username, password string) (Form, error) {
	formSel := pass.Closest("form")
	if formSel.Length() == 0 {
		return Form{}, fmt.Errorf("password field is not inside a form")
	}
	values := url.Values{}
	formSel.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if (typ == "checkbox" || typ == "radio") && in.AttrOr("checked", "-") == "-" {
			return
		}
		if typ == "submit" || typ == "button" {
			return
		}
		values.Set(name, in.AttrOr("value", ""))
	})
	userName := user.AttrOr("name", "login")
	passName := pass.AttrOr("name", "password")
	values.Set(userName, username)
	values.Set(passName, password)

	action := formSel.AttrOr("action", "")
	if doc != nil {
		action = doc.Resolve(action)
		if action == "" && doc.URL != nil {
			action = doc.URL.String()
		}
	}
	return Form{Action: action, Method: formSel.AttrOr("method", "post"), Values: values}, nil
}
