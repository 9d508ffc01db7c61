package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	l := newRateLimiter(3, time.Minute)
	base := time.Now()

	for i := 0; i < 3; i++ {
		if !l.allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("operation %d refused inside budget", i+1)
		}
	}
	if l.allow(base.Add(4 * time.Second)) {
		t.Error("fourth operation allowed inside the window")
	}

	// Once the first hit slides out of the window, a slot frees up.
	if !l.allow(base.Add(61 * time.Second)) {
		t.Error("operation refused after window slid")
	}
}

func TestBetPlaced_BroadcastCarriesAutoCashOut(t *testing.T) {
	h := testHub([]byte("secret"))
	auto := decimal.RequireFromString("2.50")
	bet := &domain.Bet{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Username:    "ada",
		USDAmount:   decimal.NewFromInt(10),
		Currency:    domain.CurrencyBTC,
		AutoCashOut: &auto,
	}

	h.BetPlaced("1724671234567-7", bet)

	var raw []byte
	select {
	case raw = <-h.broadcast:
	default:
		t.Fatal("no broadcast queued for bet_placed")
	}

	var msg BetPlacedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal bet_placed: %v", err)
	}
	if msg.Type != MsgTypeBetPlaced {
		t.Errorf("type = %q, want %q", msg.Type, MsgTypeBetPlaced)
	}
	if msg.Username != "ada" || msg.RoundID != "1724671234567-7" {
		t.Errorf("payload = %+v, missing identity fields", msg)
	}
	if msg.AutoCashOut == nil || !msg.AutoCashOut.Equal(auto) {
		t.Errorf("auto_cash_out = %v, want 2.50", msg.AutoCashOut)
	}

	// Without a target the field stays off the wire.
	bet.AutoCashOut = nil
	h.BetPlaced("1724671234567-7", bet)
	raw = <-h.broadcast
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatal(err)
	}
	if _, ok := generic["auto_cash_out"]; ok {
		t.Error("auto_cash_out present for a bet without a target")
	}
}

func testHub(secret []byte) *Hub {
	return NewHub(nil, secret, nil, config.RateLimitConfig{OpsPerWindow: 100, Window: time.Minute}, slog.Default())
}

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestParseJWT(t *testing.T) {
	secret := []byte("test-secret")
	h := testHub(secret)
	userID := uuid.New()

	valid := signToken(t, secret, jwt.MapClaims{
		"sub":      userID.String(),
		"username": "ada",
		"type":     "access",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	gotID, gotName, err := h.parseJWT(valid)
	if err != nil {
		t.Fatalf("parseJWT: %v", err)
	}
	if gotID != userID || gotName != "ada" {
		t.Errorf("got (%s, %q), want (%s, %q)", gotID, gotName, userID, "ada")
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty token", "", domain.ErrUnauthenticated},
		{"garbage", "not.a.jwt", domain.ErrTokenInvalid},
		{"wrong secret", signToken(t, []byte("other-secret"), jwt.MapClaims{
			"sub":  userID.String(),
			"type": "access",
			"exp":  time.Now().Add(time.Hour).Unix(),
		}), domain.ErrTokenInvalid},
		{"refresh token rejected", signToken(t, secret, jwt.MapClaims{
			"sub":  userID.String(),
			"type": "refresh",
			"exp":  time.Now().Add(time.Hour).Unix(),
		}), domain.ErrTokenInvalid},
		{"expired", signToken(t, secret, jwt.MapClaims{
			"sub":  userID.String(),
			"type": "access",
			"exp":  time.Now().Add(-time.Hour).Unix(),
		}), domain.ErrTokenInvalid},
		{"bad subject", signToken(t, secret, jwt.MapClaims{
			"sub":  "not-a-uuid",
			"type": "access",
			"exp":  time.Now().Add(time.Hour).Unix(),
		}), domain.ErrTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := h.parseJWT(tc.token); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
