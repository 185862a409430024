// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gate implements the HTTP password check performed before a request
// is upgraded. It is independent of the credential carried in the tunnel
// header: both checks must pass.
package gate

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// DefaultParam is the query parameter carrying the password.
const DefaultParam = "password"

var formTmpl = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Password required</title></head>
<body>
<form method="GET" action="{{.Action}}">
<label for="{{.Param}}">Password</label>
<input type="password" id="{{.Param}}" name="{{.Param}}" autofocus>
<button type="submit">Continue</button>
</form>
{{if .Failed}}<p>Incorrect password.</p>{{end}}
</body>
</html>
`))

// Config holds the gate configuration. With both Password and PasswordHash
// empty the gate admits every request.
type Config struct {
	// Password is compared in constant time.
	Password string

	// PasswordHash is a bcrypt hash. It takes precedence over Password.
	PasswordHash string

	// Param is the query parameter name. Defaults to DefaultParam.
	Param string

	Logger *slog.Logger
}

// Gate checks request passwords.
type Gate struct {
	param  string
	sum    [sha256.Size]byte
	hash   []byte
	plain  bool
	logger *slog.Logger
}

// New creates a gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Param == "" {
		cfg.Param = DefaultParam
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gate{param: cfg.Param, logger: cfg.Logger}
	switch {
	case cfg.PasswordHash != "":
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("invalid password hash: %w", err)
		}
		g.hash = []byte(cfg.PasswordHash)
	case cfg.Password != "":
		g.sum = sha256.Sum256([]byte(cfg.Password))
		g.plain = true
	}
	return g, nil
}

// Enabled reports whether a password is required.
func (g *Gate) Enabled() bool {
	return g.plain || g.hash != nil
}

// Check returns errors.ErrUnauthorized unless r carries the password.
func (g *Gate) Check(r *http.Request) error {
	if !g.Enabled() {
		return nil
	}

	pass := r.URL.Query().Get(g.param)
	if pass == "" {
		return mrerrors.ErrUnauthorized
	}

	if g.hash != nil {
		if err := bcrypt.CompareHashAndPassword(g.hash, []byte(pass)); err != nil {
			return mrerrors.ErrUnauthorized
		}
		return nil
	}

	// Hashing first keeps the comparison independent of the password length.
	sum := sha256.Sum256([]byte(pass))
	if subtle.ConstantTimeCompare(sum[:], g.sum[:]) != 1 {
		return mrerrors.ErrUnauthorized
	}
	return nil
}

// Deny writes the password form.
func (g *Gate) Deny(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	data := struct {
		Action string
		Param  string
		Failed bool
	}{
		Action: r.URL.Path,
		Param:  g.param,
		Failed: r.URL.Query().Has(g.param),
	}
	if err := formTmpl.Execute(w, data); err != nil {
		g.logger.Error("failed to render password form", slog.String("error", err.Error()))
	}
}

// Middleware serves the form to requests that fail the check.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			g.Deny(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
