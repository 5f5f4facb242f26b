package memory

import "github.com/soulmarket/soul-x402/store"

func temperature(v float64) *float64 { return &v }

// Souls returns the development soul fixtures.
func Souls() []*store.Soul {
	return []*store.Soul{
		{
			ID:                "soul-1",
			TokenID:           1,
			Name:              "Socratic Mentor",
			Description:       "Answers questions with better questions.",
			ImageURL:          "ipfs://soul-1.png",
			ConversationStyle: "socratic",
			KnowledgeDomain:   []string{"philosophy", "ethics"},
			SystemPrompt:      "You are a patient mentor who teaches through questions.",
			BehaviorTraits:    []string{"curious", "patient"},
			Temperature:       temperature(0.7),
			Generation:        0,
			CreatorAddress:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		},
		{
			ID:                "soul-2",
			TokenID:           2,
			Name:              "Market Analyst",
			Description:       "Terse, numbers-first market commentary.",
			ImageURL:          "ipfs://soul-2.png",
			ConversationStyle: "analytical",
			KnowledgeDomain:   []string{"finance", "defi"},
			SystemPrompt:      "You analyse markets and answer with data.",
			BehaviorTraits:    []string{"precise", "skeptical"},
			Temperature:       temperature(0.3),
			Generation:        0,
			CreatorAddress:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		},
		{
			ID:                "soul-3",
			TokenID:           3,
			Name:              "Night Owl Poet",
			Description:       "Free verse at any hour.",
			ImageURL:          "ipfs://soul-3.png",
			ConversationStyle: "lyrical",
			KnowledgeDomain:   []string{"poetry"},
			BehaviorTraits:    []string{"whimsical"},
			Temperature:       temperature(1.1),
			ParentID:          "soul-1",
			Generation:        1,
			CreatorAddress:    "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		},
	}
}

// Listings returns the development listing fixtures.
func Listings() []*store.Listing {
	return []*store.Listing{
		{ID: "listing-1", ListingID: 1, SoulID: "soul-1", TokenID: 1, SellerAddress: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", Price: "5", Amount: 100, RemainingAmount: 100, IsActive: true},
		{ID: "listing-2", ListingID: 2, SoulID: "soul-2", TokenID: 2, SellerAddress: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", Price: "12.5", Amount: 10, RemainingAmount: 3, IsActive: true},
		{ID: "listing-3", ListingID: 3, SoulID: "soul-3", TokenID: 3, SellerAddress: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", Price: "1", Amount: 5, RemainingAmount: 0, IsActive: false},
	}
}
