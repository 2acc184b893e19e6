package token

import (
	"testing"

	"github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/stretchr/testify/assert"
)

func TestClaims_Validate(t *testing.T) {
	ok := Claims{DepositID: "dep-1", Amount: 100, CreatorUsername: "alice", PurposeType: deposit.PurposeSupport}
	assert.NoError(t, ok.Validate())

	missing := ok
	missing.DepositID = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalid)

	free := ok
	free.Amount = 0
	assert.ErrorIs(t, free.Validate(), ErrInvalid)

	odd := ok
	odd.PurposeType = "tip"
	assert.ErrorIs(t, odd.Validate(), ErrInvalid)

	shop := ok
	shop.PurposeType = deposit.PurposeShop
	shop.Items = []LineItem{{ProductID: "mug", Quantity: 3}}
	assert.NoError(t, shop.Validate())

	shop.Items = append(shop.Items, LineItem{ProductID: "print"})
	assert.ErrorIs(t, shop.Validate(), ErrInvalid)
}
