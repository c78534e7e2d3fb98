// Package audit wraps utmp/lastlog session accounting so an
// authenticated session shows up in `who`/`last` the same way a system
// login shell would. Accounting is best-effort: any failure here is
// logged and otherwise ignored, since an accounting outage must never
// be allowed to deny service to an otherwise-valid session.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package audit

import (
	"fmt"

	"blitter.com/go/goutmp"
	"blitter.com/go/sxsh/logger"
)

// Entry tracks the registration needed to unregister a session's utmp
// record when it closes.
type Entry struct {
	utmpx *goutmp.Utmpx
	who   string
	line  string
	host  string
}

// Login registers who's session (originating from peerAddr, on
// pseudo-tty identifier line) in utmp and records a lastlog entry. line
// need not name a real tty device - sxsh has no PTY, so a synthetic
// identifier derived from the session_id is used instead; utmp only
// requires the field be stable for the session's lifetime.
func Login(who, line, peerAddr string) *Entry {
	hname := goutmp.GetHost(peerAddr)
	e := &Entry{who: who, line: line, host: hname}

	defer func() {
		if r := recover(); r != nil {
			logger.LogErr(fmt.Sprintf("audit: utmp registration panicked for %s: %v", who, r))
		}
	}()

	e.utmpx = goutmp.Put_utmp(who, line, hname)
	goutmp.Put_lastlog_entry("sxshd", who, line, hname)
	return e
}

// Logout unregisters the utmp record created by Login. Safe to call on
// a nil Entry (a session that never completed Login).
func Logout(e *Entry) {
	if e == nil || e.utmpx == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.LogErr(fmt.Sprintf("audit: utmp deregistration panicked for %s: %v", e.who, r))
		}
	}()
	goutmp.Unput_utmp(e.utmpx)
}
