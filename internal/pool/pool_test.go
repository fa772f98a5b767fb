package pool

import (
	"context"
	"errors"
	"testing"

	"multipool/internal/bus"
	"multipool/internal/config"
	"multipool/internal/daemon"
	"multipool/internal/hashfamily"
	"multipool/internal/logging"
	"multipool/internal/notify"
	"multipool/internal/validator"
)

func TestBuildFamilyRejectsUnsupportedCoinType(t *testing.T) {
	_, err := buildFamily(config.PoolConfig{CoinType: "litecoin", PayoutAddress: "1BitcoinEaterAddressDontSendf59kuE"}, daemon.New(nil, logging.New()))
	if err == nil {
		t.Fatal("expected an error for an unsupported coin_type")
	}
}

func TestBuildFamilyDefaultsToBitcoin(t *testing.T) {
	fam, err := buildFamily(config.PoolConfig{CoinType: "bitcoin", PayoutAddress: "1BitcoinEaterAddressDontSendf59kuE"}, daemon.New(nil, logging.New()))
	if err != nil {
		t.Fatalf("buildFamily: %v", err)
	}
	if fam.Name() != "bitcoin" {
		t.Fatalf("expected bitcoin family, got %q", fam.Name())
	}
}

func TestSubmitBlockCandidateMarksAcceptance(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicAdminNotify)
	defer b.Unsubscribe(bus.TopicAdminNotify, sub)

	p := &Pool{
		cfg:    config.PoolConfig{ID: "btc-main"},
		family: acceptingFamily{},
		bus:    b,
		logger: logging.New(),
	}

	share := &validator.Share{PoolID: "btc-main", Height: 100, IsBlockCandidate: true}
	result := p.submitBlockCandidate(context.Background(), share)

	if !result.IsBlockCandidate {
		t.Fatal("expected block candidate flag to remain set on acceptance")
	}
	evt := <-sub
	notifyEvt, ok := evt.(notify.Event)
	if !ok || notifyEvt.Kind != "block_accepted" {
		t.Fatalf("expected block_accepted admin notification, got %+v", evt)
	}
}

func TestSubmitBlockCandidateClearsFlagOnRejection(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicAdminNotify)
	defer b.Unsubscribe(bus.TopicAdminNotify, sub)

	p := &Pool{
		cfg:    config.PoolConfig{ID: "btc-main"},
		family: rejectingFamily{},
		bus:    b,
		logger: logging.New(),
	}

	share := &validator.Share{PoolID: "btc-main", Height: 100, IsBlockCandidate: true}
	result := p.submitBlockCandidate(context.Background(), share)

	if result.IsBlockCandidate {
		t.Fatal("expected block candidate flag cleared on daemon rejection")
	}
	evt := <-sub
	notifyEvt, ok := evt.(notify.Event)
	if !ok || notifyEvt.Kind != "block_failed" {
		t.Fatalf("expected block_failed admin notification, got %+v", evt)
	}
}

func TestSubmitBlockCandidateClearsFlagOnError(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicAdminNotify)
	defer b.Unsubscribe(bus.TopicAdminNotify, sub)

	p := &Pool{
		cfg:    config.PoolConfig{ID: "btc-main"},
		family: erroringFamily{},
		bus:    b,
		logger: logging.New(),
	}

	share := &validator.Share{PoolID: "btc-main", Height: 100, IsBlockCandidate: true}
	result := p.submitBlockCandidate(context.Background(), share)

	if result.IsBlockCandidate {
		t.Fatal("expected block candidate flag cleared on submission error")
	}
	evt := <-sub
	notifyEvt, ok := evt.(notify.Event)
	if !ok || notifyEvt.Kind != "block_failed" {
		t.Fatalf("expected block_failed admin notification, got %+v", evt)
	}
}

// The fakes below satisfy hashfamily.Family minimally for
// submitBlockCandidate's own logic; every method besides SubmitBlock is
// unreachable from that code path.

type acceptingFamily struct{ hashfamily.Family }

func (acceptingFamily) SubmitBlock(context.Context, hashfamily.HeaderResult, any) (bool, error) {
	return true, nil
}

type rejectingFamily struct{ hashfamily.Family }

func (rejectingFamily) SubmitBlock(context.Context, hashfamily.HeaderResult, any) (bool, error) {
	return false, nil
}

type erroringFamily struct{ hashfamily.Family }

func (erroringFamily) SubmitBlock(context.Context, hashfamily.HeaderResult, any) (bool, error) {
	return false, errors.New("daemon unreachable")
}
