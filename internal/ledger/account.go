package ledger

// AccountKind tags whose balance an entry targets.
type AccountKind string

const (
	KindRegisteredUser   AccountKind = "registered_user"
	KindConnectedAccount AccountKind = "connected_account"
	// KindSystemAudit entries are visible in aggregate accounting but never touch a balance.
	KindSystemAudit AccountKind = "system_audit"
)

// SystemAuditUserID is the reserved owner of audit-only entries. It is not a UUID, so it
// cannot collide with a real profile.
const SystemAuditUserID = "system:payout-audit"

// Account identifies a ledger account.
type Account struct {
	Kind   AccountKind
	UserID string
}

// RegisteredUser is the caller's own account or any account addressed by user ID.
func RegisteredUser(userID string) Account {
	return Account{Kind: KindRegisteredUser, UserID: userID}
}

// ConnectedAccount is a child account reached through an owns-relationship.
func ConnectedAccount(userID string) Account {
	return Account{Kind: KindConnectedAccount, UserID: userID}
}

// SystemAudit is the audit-only account used for external payouts.
func SystemAudit() Account {
	return Account{Kind: KindSystemAudit, UserID: SystemAuditUserID}
}

func (a Account) holdsBalance() bool {
	return a.Kind != KindSystemAudit
}
