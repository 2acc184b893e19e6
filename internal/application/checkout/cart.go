package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
	dominventory "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
)

const (
	cartService = "cart-service"
	useCaseCart = "cart."
)

// CartService edits the session cart. Every quantity change is checked against
// the product's slot inventory before it is stored.
type CartService struct {
	sessions domain.SessionStore
	catalog  dominventory.Catalog

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewCartService(sessions domain.SessionStore, catalog dominventory.Catalog, tel observability.Observability) *CartService {
	tel = observability.OrNop(tel)
	return &CartService{
		sessions:     sessions,
		catalog:      catalog,
		log:          tel.Logger().With(observability.F("service", cartService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (c *CartService) Get(ctx context.Context, sessionID string) (domain.Cart, error) {
	if sessionID == "" {
		return domain.Cart{}, ErrSessionRequired
	}
	cart, err := c.sessions.Load(ctx, sessionID)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("cart: load session: %w", err)
	}
	if len(cart.Repairs) > 0 {
		logctx.FromOr(ctx, c.log).Warn("session_repaired", observability.F("repairs", cart.Repairs))
	}
	return cart, nil
}

func (c *CartService) AddItem(ctx context.Context, sessionID, productID string, quantity int) (cart domain.Cart, err error) {
	defer c.observe(ctx, "add_item", time.Now(), &err)

	cart, product, err := c.loadWithProduct(ctx, sessionID, productID)
	if err != nil {
		return domain.Cart{}, err
	}
	creator := domain.CreatorRef{ID: product.CreatorID, Username: product.CreatorUsername}
	line, err := cart.Add(domain.Item{
		ProductID: product.ID,
		Name:      product.Name,
		Price:     product.Price,
		Quantity:  quantity,
		Creator:   creator,
	})
	if err != nil {
		return domain.Cart{}, err
	}
	if err := dominventory.Validate(*product, line.Quantity); err != nil {
		return domain.Cart{}, err
	}
	if err := c.save(ctx, sessionID, cart); err != nil {
		return domain.Cart{}, err
	}
	if err := c.sessions.RememberCreator(ctx, sessionID, cart.Creator); err != nil {
		logctx.FromOr(ctx, c.log).Warn("remember_creator_failed", observability.F("error", err))
	}
	return cart, nil
}

func (c *CartService) SetQuantity(ctx context.Context, sessionID, productID string, quantity int) (cart domain.Cart, err error) {
	defer c.observe(ctx, "set_quantity", time.Now(), &err)

	cart, product, err := c.loadWithProduct(ctx, sessionID, productID)
	if err != nil {
		return domain.Cart{}, err
	}
	if _, ok := cart.Find(productID); !ok {
		return domain.Cart{}, domain.ErrItemNotFound
	}
	if err := dominventory.Validate(*product, quantity); err != nil {
		return domain.Cart{}, err
	}
	if _, err := cart.SetQuantity(productID, quantity); err != nil {
		return domain.Cart{}, err
	}
	if err := c.save(ctx, sessionID, cart); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

func (c *CartService) RemoveItem(ctx context.Context, sessionID, productID string) (cart domain.Cart, err error) {
	defer c.observe(ctx, "remove_item", time.Now(), &err)

	cart, err = c.Get(ctx, sessionID)
	if err != nil {
		return domain.Cart{}, err
	}
	if err := cart.Remove(productID); err != nil {
		return domain.Cart{}, err
	}
	if err := c.save(ctx, sessionID, cart); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

func (c *CartService) Clear(ctx context.Context, sessionID string) (err error) {
	defer c.observe(ctx, "clear", time.Now(), &err)

	if sessionID == "" {
		return ErrSessionRequired
	}
	return c.sessions.Clear(ctx, sessionID)
}

// VisitCreator records the creator page the buyer is on, used when the cart cannot name a payee.
func (c *CartService) VisitCreator(ctx context.Context, sessionID string, creator domain.CreatorRef) (err error) {
	defer c.observe(ctx, "visit_creator", time.Now(), &err)

	if sessionID == "" {
		return ErrSessionRequired
	}
	if !creator.Known() {
		return domain.ErrCreatorUnknown
	}
	return c.sessions.RememberCreator(ctx, sessionID, creator)
}

func (c *CartService) loadWithProduct(ctx context.Context, sessionID, productID string) (domain.Cart, *dominventory.Product, error) {
	cart, err := c.Get(ctx, sessionID)
	if err != nil {
		return domain.Cart{}, nil, err
	}
	product, err := c.catalog.Get(ctx, productID)
	if errors.Is(err, dominventory.ErrNotFound) {
		return domain.Cart{}, nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return domain.Cart{}, nil, fmt.Errorf("cart: load product: %w", err)
	}
	return cart, product, nil
}

func (c *CartService) save(ctx context.Context, sessionID string, cart domain.Cart) error {
	if err := c.sessions.Save(ctx, sessionID, cart); err != nil {
		return fmt.Errorf("cart: save session: %w", err)
	}
	return nil
}

func (c *CartService) observe(ctx context.Context, op string, start time.Time, errp *error) {
	useCase := useCaseCart + op
	outcome := "success"
	fields := []observability.Field{observability.F("use_case", useCase)}
	if err := *errp; err != nil {
		outcome = "error"
		var rejected *dominventory.QuantityRejected
		if errors.As(err, &rejected) {
			outcome = "rejected"
			fields = append(fields, observability.F("reason", string(rejected.Reason)))
		}
		fields = append(fields, observability.F("error", err.Error()))
	}
	lat := time.Since(start).Seconds()
	c.reqCounter.Add(1, observability.L("use_case", useCase), observability.L("outcome", outcome))
	c.durHistogram.Observe(lat, observability.L("use_case", useCase))

	fields = append(fields,
		observability.F("outcome", outcome),
		observability.F("latency_seconds", lat),
	)
	logctx.FromOr(ctx, c.log).Info("use_case_done", fields...)
}
