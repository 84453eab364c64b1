package models

// Well-known quote mints. Native SOL deltas are folded into the WSOL mint
// upstream so the rest of the pipeline only ever sees these three quotes.
const (
	WSOLMint = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// QuoteMints indexes the recognized quote assets.
var QuoteMints = map[string]bool{
	WSOLMint: true,
	USDCMint: true,
	USDTMint: true,
}

// IsQuoteMint reports whether mint is a recognized quote asset.
func IsQuoteMint(mint string) bool {
	return QuoteMints[mint]
}
