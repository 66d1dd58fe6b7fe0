package kdc

import (
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/kardianos/gokdc/krb5"
)

func ticketRequest(t *testing.T, clientLife, clientRenew, serverLife, serverRenew time.Duration) *request {
	t.Helper()
	k, _ := newTestKDC(t, nil)
	c := &Entry{Principal: krb5.ParsePrincipal("alice"), Realm: testRealm, MaxLife: clientLife, MaxRenew: clientRenew,
		Flags: EntryFlags{Client: true, Forwardable: true, Proxiable: true, Postdate: true}}
	s := &Entry{Principal: krb5.ParsePrincipal("host/server.test"), Realm: testRealm, MaxLife: serverLife, MaxRenew: serverRenew,
		Flags: EntryFlags{Server: true, Forwardable: true, Proxiable: true, Postdate: true}}
	r := unitRequest(k, c, s)
	r.et.Flags = newFlags()
	return r
}

func minLife(a, b time.Duration) time.Duration {
	switch {
	case a == 0:
		return b
	case b == 0 || a < b:
		return a
	}
	return b
}

func TestSetTimes(t *testing.T) {
	h := time.Hour
	tests := []struct {
		name                   string
		clientLife, serverLife time.Duration
		clientRen, serverRen   time.Duration
		till, rtime            time.Duration // offsets from now; zero is unset
		opts                   []int
		end, renew             time.Duration // zero renew means not renewable
	}{
		{name: "no limits", till: 10 * h, end: 10 * h},
		{name: "client limit", clientLife: 4 * h, serverLife: 6 * h, till: 48 * h, end: 4 * h},
		{name: "server limit", clientLife: 8 * h, serverLife: 6 * h, till: 48 * h, end: 6 * h},
		{name: "till below limits", clientLife: 8 * h, serverLife: 6 * h, till: 2 * h, end: 2 * h},
		{name: "unset till", clientLife: 4 * h, end: 4 * h},
		{name: "renewable", clientLife: 4 * h, clientRen: 12 * h, serverRen: 7 * 24 * h,
			till: 48 * h, rtime: 7 * 24 * h, opts: []int{flags.Renewable}, end: 4 * h, renew: 12 * h},
		{name: "renewable without rtime", clientLife: 4 * h, till: 48 * h, opts: []int{flags.Renewable}, end: 4 * h},
		{name: "renewable-ok shortened", clientLife: 4 * h, till: 48 * h,
			opts: []int{flags.RenewableOK}, end: 4 * h, renew: 48 * h},
		{name: "renewable-ok clamped", clientLife: 4 * h, serverRen: 24 * h, till: 48 * h,
			opts: []int{flags.RenewableOK}, end: 4 * h, renew: 24 * h},
		{name: "renewable-ok not needed", till: 2 * h, opts: []int{flags.RenewableOK}, end: 2 * h},
		{name: "max-renew below max-life", clientLife: 10 * h, clientRen: 1 * h, till: 48 * h, rtime: 7 * 24 * h,
			opts: []int{flags.Renewable}, end: 10 * h, renew: 10 * h},
		{name: "rtime before till", till: 10 * h, rtime: 2 * h, opts: []int{flags.Renewable}, end: 10 * h, renew: 10 * h},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := ticketRequest(t, tc.clientLife, tc.clientRen, tc.serverLife, tc.serverRen)
			b := &r.req.ReqBody
			if tc.till != 0 {
				b.Till = testNow.Add(tc.till)
			}
			if tc.rtime != 0 {
				b.RTime = testNow.Add(tc.rtime)
			}
			for _, o := range tc.opts {
				types.SetFlag(&b.KDCOptions, o)
			}
			r.setTimes()

			if !r.et.AuthTime.Equal(testNow) {
				t.Errorf("authtime %v", r.et.AuthTime)
			}
			if got := r.et.EndTime.Sub(testNow); got != tc.end {
				t.Errorf("end +%v, want +%v", got, tc.end)
			}
			if tc.till != 0 && r.et.EndTime.After(b.Till) {
				t.Errorf("end %v after till %v", r.et.EndTime, b.Till)
			}
			if max := minLife(tc.clientLife, tc.serverLife); max != 0 && r.et.EndTime.Sub(testNow) > max {
				t.Errorf("lifetime %v exceeds %v", r.et.EndTime.Sub(testNow), max)
			}

			renewable := flagSet(r.et.Flags, flags.Renewable)
			if renewable != (tc.renew != 0) {
				t.Fatalf("renewable %v, want %v", renewable, tc.renew != 0)
			}
			if !renewable {
				if !r.et.RenewTill.IsZero() {
					t.Errorf("renew-till %v on a ticket that is not renewable", r.et.RenewTill)
				}
				return
			}
			if got := r.et.RenewTill.Sub(testNow); got != tc.renew {
				t.Errorf("renew-till +%v, want +%v", got, tc.renew)
			}
			if r.et.RenewTill.Before(r.et.EndTime) {
				t.Errorf("renew-till %v before end %v", r.et.RenewTill, r.et.EndTime)
			}
			// The renew period is bounded by max-renew unless the ticket
			// lifetime alone already exceeds it.
			max := minLife(tc.clientRen, tc.serverRen)
			if end := r.et.EndTime.Sub(testNow); max != 0 && end > max {
				max = end
			}
			if max != 0 && r.et.RenewTill.Sub(testNow) > max {
				t.Errorf("renew period %v exceeds %v", r.et.RenewTill.Sub(testNow), max)
			}
		})
	}
}

func TestSetTimesPostdated(t *testing.T) {
	r := ticketRequest(t, 4*time.Hour, 0, 0, 0)
	b := &r.req.ReqBody
	b.From = testNow.Add(2 * time.Hour)
	b.Till = testNow.Add(24 * time.Hour)
	types.SetFlag(&b.KDCOptions, flags.PostDated)
	r.setTimes()

	if !r.et.StartTime.Equal(b.From) {
		t.Errorf("start %v, want %v", r.et.StartTime, b.From)
	}
	if want := b.From.Add(4 * time.Hour); !r.et.EndTime.Equal(want) {
		t.Errorf("end %v, want %v", r.et.EndTime, want)
	}
	if !flagSet(r.et.Flags, flags.Invalid) || !flagSet(r.et.Flags, flags.PostDated) {
		t.Error("postdated ticket lacks the invalid and postdated flags")
	}

	// A start time without the option is ignored.
	r = ticketRequest(t, 0, 0, 0, 0)
	r.req.ReqBody.From = testNow.Add(2 * time.Hour)
	r.req.ReqBody.Till = testNow.Add(time.Hour)
	r.setTimes()
	if !r.et.StartTime.IsZero() || flagSet(r.et.Flags, flags.Invalid) {
		t.Errorf("start %v without the postdated option", r.et.StartTime)
	}
}

func TestSetFlags(t *testing.T) {
	tests := []struct {
		name      string
		opt       int
		mod       func(c, s *Entry)
		preauthed bool
		fail      string
	}{
		{name: "forwardable", opt: flags.Forwardable, mod: func(c, s *Entry) {}, preauthed: true},
		{name: "proxiable", opt: flags.Proxiable, mod: func(c, s *Entry) {}},
		{name: "postdate", opt: flags.MayPostDate, mod: func(c, s *Entry) {}},
		{name: "client not forwardable", opt: flags.Forwardable, mod: func(c, s *Entry) { c.Flags.Forwardable = false }, fail: "Ticket may not be forwardable"},
		{name: "server not forwardable", opt: flags.Forwardable, mod: func(c, s *Entry) { s.Flags.Forwardable = false }, fail: "Ticket may not be forwardable"},
		{name: "server not proxiable", opt: flags.Proxiable, mod: func(c, s *Entry) { s.Flags.Proxiable = false }, fail: "Ticket may not be proxiable"},
		{name: "client no postdate", opt: flags.MayPostDate, mod: func(c, s *Entry) { c.Flags.Postdate = false }, fail: "Ticket may not be postdate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := ticketRequest(t, 0, 0, 0, 0)
			tc.mod(r.client, r.server)
			types.SetFlag(&r.req.ReqBody.KDCOptions, tc.opt)
			err := r.setFlags(tc.preauthed)
			if tc.fail != "" {
				pe := asProtocolError(err)
				if err == nil || pe.Code != errorcode.KDC_ERR_POLICY || pe.Text != tc.fail {
					t.Fatalf("got %v, want POLICY %q", err, tc.fail)
				}
				return
			}
			if err != nil {
				t.Fatalf("setFlags: %v", err)
			}
			if !flagSet(r.et.Flags, tc.opt) {
				t.Errorf("flag %d not granted", tc.opt)
			}
			if !flagSet(r.et.Flags, flags.Initial) {
				t.Error("initial flag not set")
			}
			if flagSet(r.et.Flags, flags.PreAuthent) != tc.preauthed {
				t.Errorf("pre-authent flag %v", !tc.preauthed)
			}
		})
	}
}

func TestLastReq(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name     string
		pwEnd    time.Duration
		validEnd time.Duration
		warn     time.Duration
		want     []int32
	}{
		{name: "nothing to report", want: []int32{lrNone}},
		{name: "password expiry always warned", pwEnd: 10 * day, want: []int32{lrPwExpTime}},
		{name: "password expiry outside window", pwEnd: 10 * day, warn: 7 * day, want: []int32{lrNone}},
		{name: "password expiry inside window", pwEnd: 10 * day, warn: 14 * day, want: []int32{lrPwExpTime}},
		{name: "account expiry", validEnd: 30 * day, want: []int32{lrAcctExpTime}},
		{name: "both", pwEnd: 10 * day, validEnd: 30 * day, want: []int32{lrPwExpTime, lrAcctExpTime}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := ticketRequest(t, 0, 0, 0, 0)
			r.k.config.WarnPwExpire = tc.warn
			if tc.pwEnd != 0 {
				r.client.PwEnd = testNow.Add(tc.pwEnd)
			}
			if tc.validEnd != 0 {
				r.client.ValidEnd = testNow.Add(tc.validEnd)
			}
			lr := r.lastReq()
			if len(lr) != len(tc.want) {
				t.Fatalf("got %d entries, want %v", len(lr), tc.want)
			}
			for i, want := range tc.want {
				if lr[i].LRType != want {
					t.Errorf("entry %d type %d, want %d", i, lr[i].LRType, want)
				}
				switch want {
				case lrNone:
					if lr[i].LRValue.Unix() != 0 {
						t.Errorf("LR_NONE value %v", lr[i].LRValue)
					}
				case lrPwExpTime:
					if !lr[i].LRValue.Equal(r.client.PwEnd) {
						t.Errorf("password expiry %v", lr[i].LRValue)
					}
				case lrAcctExpTime:
					if !lr[i].LRValue.Equal(r.client.ValidEnd) {
						t.Errorf("account expiry %v", lr[i].LRValue)
					}
				}
			}
		})
	}
}

func TestKeyExpiration(t *testing.T) {
	early, late := testNow.Add(time.Hour), testNow.Add(48*time.Hour)
	tests := []struct {
		name            string
		pwEnd, validEnd time.Time
		want            time.Time
	}{
		{name: "unset"},
		{name: "password only", pwEnd: early, want: early},
		{name: "account only", validEnd: late, want: late},
		{name: "account first", pwEnd: late, validEnd: early, want: early},
		{name: "password first", pwEnd: early, validEnd: late, want: early},
	}
	for _, tc := range tests {
		r := ticketRequest(t, 0, 0, 0, 0)
		r.client.PwEnd, r.client.ValidEnd = tc.pwEnd, tc.validEnd
		if got := r.keyExpiration(); !got.Equal(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRequestedSNameTypeKept(t *testing.T) {
	k, _ := newTestKDC(t, nil)
	key := userKey(t, "alice", testPassword, krb5.ETypeAES256SHA1)
	sname := types.PrincipalName{NameType: 3, NameString: []string{"host", "server.test"}}
	res := expectReply(t, process(t, k, withEncTS(t, newReq(t, "alice", sname, aesOnly...), key, testNow)), key, nil)
	if res.Rep.Ticket.SName.NameType != 3 {
		t.Errorf("ticket sname type %d, want 3", res.Rep.Ticket.SName.NameType)
	}
	if res.EncPart.SName.NameType != 3 {
		t.Errorf("reply sname type %d, want 3", res.EncPart.SName.NameType)
	}
}
