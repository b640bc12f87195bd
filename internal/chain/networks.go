package chain

func init() {
	// ==========================================================================
	// EVM
	// ==========================================================================

	Register(&Network{
		Name:        "ETHEREUM_MAINNET",
		DisplayName: "Ethereum",
		Group:       FamilyEVM,
		Type:        Mainnet,
		ChainID:     "1",
		Nodes:       []string{"https://ethereum-rpc.publicnode.com", "https://eth.llamarpc.com"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 18},
			{Symbol: "USDC", ContractAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		},
		ExplorerURL: "https://etherscan.io",
	})

	Register(&Network{
		Name:        "ETHEREUM_SEPOLIA",
		DisplayName: "Ethereum Sepolia",
		Group:       FamilyEVM,
		Type:        Testnet,
		ChainID:     "11155111",
		Nodes:       []string{"https://ethereum-sepolia-rpc.publicnode.com", "https://rpc.sepolia.org"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 18},
			{Symbol: "USDC", ContractAddress: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6},
		},
		ExplorerURL: "https://sepolia.etherscan.io",
	})

	Register(&Network{
		Name:        "ARBITRUM_MAINNET",
		DisplayName: "Arbitrum One",
		Group:       FamilyEVM,
		Type:        Mainnet,
		ChainID:     "42161",
		Nodes:       []string{"https://arb1.arbitrum.io/rpc", "https://arbitrum-one-rpc.publicnode.com"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 18},
			{Symbol: "USDC", ContractAddress: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		},
		ExplorerURL: "https://arbiscan.io",
	})

	Register(&Network{
		Name:        "ARBITRUM_SEPOLIA",
		DisplayName: "Arbitrum Sepolia",
		Group:       FamilyEVM,
		Type:        Testnet,
		ChainID:     "421614",
		Nodes:       []string{"https://sepolia-rollup.arbitrum.io/rpc", "https://arbitrum-sepolia-rpc.publicnode.com"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 18},
		},
		ExplorerURL: "https://sepolia.arbiscan.io",
	})

	Register(&Network{
		Name:        "BASE_MAINNET",
		DisplayName: "Base",
		Group:       FamilyEVM,
		Type:        Mainnet,
		ChainID:     "8453",
		Nodes:       []string{"https://mainnet.base.org", "https://base-rpc.publicnode.com"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 18},
			{Symbol: "USDC", ContractAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		},
		ExplorerURL: "https://basescan.org",
	})

	Register(&Network{
		Name:        "BASE_SEPOLIA",
		DisplayName: "Base Sepolia",
		Group:       FamilyEVM,
		Type:        Testnet,
		ChainID:     "84532",
		Nodes:       []string{"https://sepolia.base.org", "https://base-sepolia-rpc.publicnode.com"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 18},
		},
		ExplorerURL: "https://sepolia.basescan.org",
	})

	// ==========================================================================
	// Solana
	// ==========================================================================

	Register(&Network{
		Name:        "SOLANA_MAINNET",
		DisplayName: "Solana",
		Group:       FamilySolana,
		Type:        Mainnet,
		ChainID:     "mainnet-beta",
		Nodes:       []string{"https://api.mainnet-beta.solana.com"},
		Tokens: []Token{
			{Symbol: "SOL", Decimals: 9},
			{Symbol: "USDC", ContractAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
		},
		ExplorerURL: "https://explorer.solana.com",
	})

	Register(&Network{
		Name:        "SOLANA_DEVNET",
		DisplayName: "Solana Devnet",
		Group:       FamilySolana,
		Type:        Testnet,
		ChainID:     "devnet",
		Nodes:       []string{"https://api.devnet.solana.com"},
		Tokens: []Token{
			{Symbol: "SOL", Decimals: 9},
			{Symbol: "USDC", ContractAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6},
		},
		ExplorerURL: "https://explorer.solana.com/?cluster=devnet",
	})

	// ==========================================================================
	// Starknet, TON, Fuel (signed through sidecars)
	// ==========================================================================

	Register(&Network{
		Name:        "STARKNET_MAINNET",
		DisplayName: "Starknet",
		Group:       FamilyStarknet,
		Type:        Mainnet,
		ChainID:     "0x534e5f4d41494e",
		Nodes:       []string{"https://starknet-mainnet.public.blastapi.io"},
		Tokens: []Token{
			{Symbol: "ETH", ContractAddress: "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7", Decimals: 18},
		},
		ExplorerURL: "https://starkscan.co",
	})

	Register(&Network{
		Name:        "STARKNET_SEPOLIA",
		DisplayName: "Starknet Sepolia",
		Group:       FamilyStarknet,
		Type:        Testnet,
		ChainID:     "0x534e5f5345504f4c4941",
		Nodes:       []string{"https://starknet-sepolia.public.blastapi.io"},
		Tokens: []Token{
			{Symbol: "ETH", ContractAddress: "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7", Decimals: 18},
		},
		ExplorerURL: "https://sepolia.starkscan.co",
	})

	Register(&Network{
		Name:        "TON_MAINNET",
		DisplayName: "TON",
		Group:       FamilyTON,
		Type:        Mainnet,
		ChainID:     "-239",
		Nodes:       []string{"https://toncenter.com/api/v2/jsonRPC"},
		Tokens: []Token{
			{Symbol: "TON", Decimals: 9},
		},
		ExplorerURL: "https://tonviewer.com",
	})

	Register(&Network{
		Name:        "TON_TESTNET",
		DisplayName: "TON Testnet",
		Group:       FamilyTON,
		Type:        Testnet,
		ChainID:     "-3",
		Nodes:       []string{"https://testnet.toncenter.com/api/v2/jsonRPC"},
		Tokens: []Token{
			{Symbol: "TON", Decimals: 9},
		},
		ExplorerURL: "https://testnet.tonviewer.com",
	})

	Register(&Network{
		Name:        "FUEL_MAINNET",
		DisplayName: "Fuel Ignition",
		Group:       FamilyFuel,
		Type:        Mainnet,
		ChainID:     "9889",
		Nodes:       []string{"https://mainnet.fuel.network/v1/graphql"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 9},
		},
		ExplorerURL: "https://app.fuel.network",
	})

	Register(&Network{
		Name:        "FUEL_TESTNET",
		DisplayName: "Fuel Testnet",
		Group:       FamilyFuel,
		Type:        Testnet,
		ChainID:     "0",
		Nodes:       []string{"https://testnet.fuel.network/v1/graphql"},
		Tokens: []Token{
			{Symbol: "ETH", Decimals: 9},
		},
		ExplorerURL: "https://app-testnet.fuel.network",
	})
}
