package domain

import "github.com/google/uuid"

// LinkRequest is a user's request to link a bank account.
type LinkRequest struct {
	OwnerUserID   string
	AccountNumber string
	HolderName    string
	CustomerID    string
	RoutingCode   string
	PIN           string
}

// LinkRedirect sends the user to the bank's consent page.
type LinkRedirect struct {
	AccountID   uuid.UUID `json:"account_id"`
	RedirectURL string    `json:"redirect_url"`
	Token       string    `json:"token"`
}

// LinkConfirmation is the bank's signed confirmation of a link.
type LinkConfirmation struct {
	AccountID     uuid.UUID
	AccountNumber string
	CustomerID    string
	AccountToken  string
}
