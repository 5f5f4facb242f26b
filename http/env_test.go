package http

import (
	"net/http/httptest"
	"testing"

	x402 "github.com/soulmarket/soul-x402"
	"github.com/soulmarket/soul-x402/facilitator"
	"github.com/soulmarket/soul-x402/internal/chaintest"
	"github.com/soulmarket/soul-x402/issuer"
	"github.com/soulmarket/soul-x402/purchase"
	"github.com/soulmarket/soul-x402/settlement"
	"github.com/soulmarket/soul-x402/signers/evm"
	"github.com/soulmarket/soul-x402/store"
	"github.com/soulmarket/soul-x402/store/memory"
	"github.com/soulmarket/soul-x402/verifier"
)

// marketEnv is a marketplace served over httptest with fake contracts.
type marketEnv struct {
	server   *httptest.Server
	contract *chaintest.Facilitator
	souls    *chaintest.SoulNFT
	catalog  *memory.Store
	local    *facilitator.Local
	domain   x402.Domain
}

var agentAddr = chaintest.Address(chaintest.AgentKey)

func newMarketEnv(t *testing.T) *marketEnv {
	t.Helper()

	catalog := memory.NewSeeded()
	catalog.PutListing(&store.Listing{
		ID: "listing-7", ListingID: 7, SoulID: "soul-2", TokenID: 2,
		SellerAddress: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Price:         "1", Amount: 10, RemainingAmount: 10, IsActive: true,
	})

	e := &marketEnv{
		contract: chaintest.NewFacilitator(),
		souls:    chaintest.NewSoulNFT(100),
		catalog:  catalog,
		domain:   x402.NewDomain(x402.ChainIDMonad, chaintest.FacilitatorAddress),
	}

	sub, err := settlement.New(e.contract, e.domain,
		settlement.WithOperatorKey(chaintest.OperatorKey),
		settlement.WithSoulContract(e.souls))
	if err != nil {
		t.Fatalf("settlement.New() error = %v", err)
	}
	e.local = facilitator.NewLocal(verifier.New(e.domain), sub)
	iss := issuer.New(e.domain, chaintest.Token, chaintest.Sale, e.local)
	orch := purchase.New(iss, e.local)

	h := NewHandler(orch, purchase.NewListings(catalog, 6, nil),
		WithForks(purchase.NewForks(catalog, sub, nil)),
		WithCatalog(catalog))
	e.server = httptest.NewServer(h.Routes())
	t.Cleanup(e.server.Close)
	return e
}

func newAgentSigner(t *testing.T, chainID int64) *evm.Signer {
	t.Helper()
	signer, err := evm.NewSigner(chainID, chaintest.AgentKey)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return signer
}
