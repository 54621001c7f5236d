// Package model holds the shared domain entities of the mailroom core.
package model

import "time"

// Role is the access level of a user account.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleOperator   Role = "operator"
)

// Level returns the position of the role in the hierarchy
// (super_admin > admin > operator). Unknown roles rank below operator.
func (r Role) Level() int {
	switch r {
	case RoleSuperAdmin:
		return 3
	case RoleAdmin:
		return 2
	case RoleOperator:
		return 1
	}
	return 0
}

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	return r.Level() > 0
}

// User is an operator, admin or super admin account.
// PasswordHash and PasswordHistory never leave the process.
type User struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	PasswordHash       string     `json:"-"`
	FullName           string     `json:"full_name"`
	Role               Role       `json:"role"`
	IsActive           bool       `json:"is_active"`
	MustChangePassword bool       `json:"must_change_password"`
	PasswordHistory    string     `json:"-"` // JSON array of prior digests
	FailedLoginCount   int        `json:"-"`
	LockedUntil        *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Session is an authenticated browser session. Token is never logged.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Token        string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recipient is a directory entry packages are addressed to.
type Recipient struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Department string    `json:"department"`
	Phone      string    `json:"phone,omitempty"`
	Location   string    `json:"location,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PackageStatus is a package lifecycle state.
type PackageStatus string

const (
	StatusRegistered     PackageStatus = "registered"
	StatusAwaitingPickup PackageStatus = "awaiting_pickup"
	StatusOutForDelivery PackageStatus = "out_for_delivery"
	StatusDelivered      PackageStatus = "delivered"
	StatusReturned       PackageStatus = "returned"
)

// Valid reports whether s is one of the five defined states.
func (s PackageStatus) Valid() bool {
	switch s {
	case StatusRegistered, StatusAwaitingPickup, StatusOutForDelivery, StatusDelivered, StatusReturned:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted from s.
func (s PackageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusReturned
}

// Package is a tracked inbound package.
type Package struct {
	ID          string        `json:"id"`
	TrackingNo  string        `json:"tracking_no"`
	Carrier     string        `json:"carrier"`
	RecipientID string        `json:"recipient_id"`
	Status      PackageStatus `json:"status"`
	Notes       string        `json:"notes,omitempty"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PackageEvent is one entry of a package's append-only status history.
// OldStatus is empty for the registration event.
type PackageEvent struct {
	ID        string        `json:"id"`
	PackageID string        `json:"package_id"`
	OldStatus PackageStatus `json:"old_status,omitempty"`
	NewStatus PackageStatus `json:"new_status"`
	Notes     string        `json:"notes,omitempty"`
	ActorID   string        `json:"actor_id"`
	CreatedAt time.Time     `json:"created_at"`
}

// Attachment is a stored package photo. StoredPath is derived from an
// opaque identifier, never from the original filename.
type Attachment struct {
	ID               string    `json:"id"`
	PackageID        string    `json:"package_id"`
	OriginalFilename string    `json:"original_filename"`
	StoredPath       string    `json:"-"`
	MIMEType         string    `json:"mime_type"`
	SizeBytes        int64     `json:"size_bytes"`
	UploadedBy       string    `json:"uploaded_by"`
	CreatedAt        time.Time `json:"created_at"`
}

// Setting is one process-wide key/value tunable.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}
