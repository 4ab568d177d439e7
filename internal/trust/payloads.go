package trust

// Audiences.
const (
	AudienceBank        = "bank"
	AudienceBankConsent = "bank-consent"
	AudienceGateway     = "gateway"
	AudienceMerchant    = "gateway-merchant"
	AudienceUser        = "gateway-user"
)

// LinkPayload authorizes the bank consent page to confirm one pending account.
type LinkPayload struct {
	AccountID   string `json:"accountId"`
	OwnerUserID string `json:"ownerUserId"`
	CustomerID  string `json:"customerId"`
}

// ConfirmPayload is what the bank signs when it confirms a link.
type ConfirmPayload struct {
	AccountID     string `json:"accountId"`
	AccountNumber string `json:"accountNumber"`
	CustomerID    string `json:"customerId"`
	AccountToken  string `json:"accountToken"`
}

// AccountPayload authorizes one balance read.
type AccountPayload struct {
	AccountToken string `json:"accountToken"`
}

// TransferPayload authorizes one debit or credit, tagged with the gateway transfer id.
type TransferPayload struct {
	AccountToken string `json:"accountToken"`
	SenderTxID   string `json:"senderTxId"`
}

// UserPayload identifies an end user; issued by the identity provider.
type UserPayload struct {
	UserID string `json:"userId"`
}

// MerchantPayload is the free-form body a merchant signs with its key secret.
type MerchantPayload struct {
	APIKey string `json:"apiKey,omitempty"`
}
