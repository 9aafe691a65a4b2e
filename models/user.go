package models

// User is a directory record. Attributes hold arbitrary JSON values keyed by name.
type User struct {
	ID         string         `json:"id" db:"id"`
	Email      string         `json:"email" db:"email"`
	Attributes map[string]any `json:"attributes" db:"attributes"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates a new User instance
func NewUser(id, email string, attributes map[string]any) *User {
	if attributes == nil {
		attributes = map[string]any{}
	}
	return &User{
		ID:         id,
		Email:      email,
		Attributes: attributes,
	}
}

// Attribute returns the value stored under key
func (u *User) Attribute(key string) (any, bool) {
	if u == nil || u.Attributes == nil {
		return nil, false
	}
	v, ok := u.Attributes[key]
	return v, ok
}

// Clone returns a deep copy of the user, so callers can never mutate cached state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := &User{ID: u.ID, Email: u.Email}
	if u.Attributes != nil {
		c.Attributes = cloneValue(u.Attributes).(map[string]any)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}
