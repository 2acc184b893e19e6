package checkout

import (
	"context"

	"github.com/Zhima-Mochi/creatorpay/internal/application"
	appdeposit "github.com/Zhima-Mochi/creatorpay/internal/application/deposit"
	apptoken "github.com/Zhima-Mochi/creatorpay/internal/application/token"
	domdeposit "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	domtoken "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
)

type IDGenerator interface {
	NewID() string
}

type DepositInitiator = application.UseCase[appdeposit.InitiateInput, *appdeposit.InitiateResult]

type StatusChecker interface {
	Status(ctx context.Context, depositID string) (domdeposit.StatusReport, error)
}

type TokenIssuer interface {
	Issue(ctx context.Context, claims domtoken.Claims) (*apptoken.IssueResult, error)
}
