//go:build !devwebhooks

package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/crumb-backend/internal/payments/stripetest"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

func TestVerifyEventFailsClosedWithoutSignature(t *testing.T) {
	payload := stripetest.Event(t, "evt_2", "charge.refunded", map[string]any{"id": "ch_1"})

	_, err := verifyEvent(payload, "", "whsec_test")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature))

	_, err = verifyEvent(payload, stripetest.Sign(payload, "whsec_test", time.Now()), "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature))
}

func TestVerifyEventRejectsStaleTimestamp(t *testing.T) {
	payload := stripetest.Event(t, "evt_3", "charge.refunded", map[string]any{"id": "ch_1"})
	header := stripetest.Sign(payload, "whsec_test", time.Now().Add(-time.Hour))

	_, err := verifyEvent(payload, header, "whsec_test")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature))
}

func TestVerifyEventRejectsTamperedBody(t *testing.T) {
	payload := stripetest.Event(t, "evt_4", "charge.refunded", map[string]any{"id": "ch_1"})
	header := stripetest.Sign(payload, "whsec_test", time.Now())
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '

	_, err := verifyEvent(tampered, header, "whsec_test")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature))
}
