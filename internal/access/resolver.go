// Package access decides which vehicle records a principal may see and which
// fields of them.
//
// All role logic lives in one declarative table, capabilities. Resolve is a
// pure function of the principal and the record's batch assignment, shared by
// batch listing and search so the two can never disagree.
package access

import (
	"slices"
	"strings"
)

// Role of an authenticated principal.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleManager        Role = "manager"
	RoleAgent          Role = "agent"
	RoleAuditor        Role = "auditor"
	RoleFieldOperative Role = "field_operative"
)

// ParseRole converts a role claim. Unknown roles return false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := capabilities[r]
	return r, ok
}

// FieldSet is the set of record fields exposed to a principal.
type FieldSet int

const (
	FieldsNone    FieldSet = iota
	FieldsMinimal          // identity fields only
	FieldsFull
)

func (f FieldSet) String() string {
	switch f {
	case FieldsMinimal:
		return "minimal"
	case FieldsFull:
		return "full"
	default:
		return "none"
	}
}

// Via names the rule that granted visibility.
type Via string

const (
	ViaNone     Via = ""
	ViaAdmin    Via = "admin"
	ViaOwner    Via = "owner"
	ViaAssignee Via = "assignee"
	ViaAuditor  Via = "auditor"
)

// GenericFileName replaces the original file name for principals that may
// not see it.
const GenericFileName = "Uploaded file"

// Capabilities is one row of the role table.
type Capabilities struct {
	SeeAll             bool // every record, regardless of assignment
	Own                bool // records of batches the principal uploaded
	Assigned           bool // records of batches assigned to the principal
	ReportingChain     bool // records assigned to someone reporting to the principal
	Fields             FieldSet
	TrueFileName       bool
	RequiresDelegation bool // uploads must name a primary assignee
	ManageAll          bool // delete/reassign any batch; otherwise owner only
}

var capabilities = map[Role]Capabilities{
	RoleAdmin: {
		SeeAll: true, Fields: FieldsFull, TrueFileName: true, ManageAll: true,
	},
	RoleManager: {
		Own: true, Assigned: true, Fields: FieldsFull, TrueFileName: true, RequiresDelegation: true,
	},
	RoleAgent: {
		Own: true, Assigned: true, Fields: FieldsFull, TrueFileName: true,
	},
	RoleAuditor: {
		Own: true, Assigned: true, ReportingChain: true, Fields: FieldsFull, TrueFileName: true,
	},
	RoleFieldOperative: {
		Own: true, Assigned: true, Fields: FieldsMinimal,
	},
}

// CapabilitiesFor returns the table row for role. Unknown roles get the zero
// value, which grants nothing.
func CapabilitiesFor(role Role) Capabilities {
	return capabilities[role]
}

// Principal is the authenticated actor issuing a request.
type Principal struct {
	ID   string
	Role Role
	// Reports lists the users in the principal's reporting chain (everyone who
	// reports to them, directly or not), as supplied by the identity layer.
	Reports []string
}

// VisibilityKey identifies everything Resolve reads from the principal. Two
// principals with the same key see the same records with the same fields.
func (p Principal) VisibilityKey() string {
	caps := CapabilitiesFor(p.Role)
	if caps.SeeAll {
		return string(p.Role)
	}
	var b strings.Builder
	b.WriteString(string(p.Role))
	b.WriteByte('|')
	b.WriteString(p.ID)
	if caps.ReportingChain && len(p.Reports) > 0 {
		reports := slices.Clone(p.Reports)
		slices.Sort(reports)
		b.WriteByte('|')
		b.WriteString(strings.Join(slices.Compact(reports), ","))
	}
	return b.String()
}

// Subject is the assignment metadata of the batch that owns a record.
type Subject struct {
	OwnerID               string
	PrimaryAssigneeID     string
	AdditionalAssigneeIDs []string
	FileName              string
}

func (s Subject) isAssignee(id string) bool {
	return id != "" && (s.PrimaryAssigneeID == id || slices.Contains(s.AdditionalAssigneeIDs, id))
}

// Grant is the computed access of one principal to one record.
type Grant struct {
	Visible  bool
	Fields   FieldSet
	Via      Via
	FileName string
}

// Resolve decides visibility. Rules apply in precedence order: admin, owner,
// primary or additional assignee, auditor whose reporting chain contains an
// assignee. Anyone else, including members of the same hierarchy without an
// explicit grant, sees nothing.
func Resolve(p Principal, s Subject) Grant {
	caps, ok := capabilities[p.Role]
	if !ok || p.ID == "" {
		return Grant{}
	}

	via := ViaNone
	switch {
	case caps.SeeAll:
		via = ViaAdmin
	case caps.Own && s.OwnerID == p.ID:
		via = ViaOwner
	case caps.Assigned && s.isAssignee(p.ID):
		via = ViaAssignee
	case caps.ReportingChain && reportsInclude(p.Reports, s):
		via = ViaAuditor
	}
	if via == ViaNone {
		return Grant{}
	}

	g := Grant{Visible: true, Fields: caps.Fields, Via: via, FileName: GenericFileName}
	if caps.TrueFileName {
		g.FileName = s.FileName
	}
	return g
}

func reportsInclude(reports []string, s Subject) bool {
	for _, id := range reports {
		if s.isAssignee(id) {
			return true
		}
	}
	return false
}

// CanManage reports whether p may delete or reassign the batch.
func CanManage(p Principal, s Subject) bool {
	caps, ok := capabilities[p.Role]
	if !ok || p.ID == "" {
		return false
	}
	return caps.ManageAll || (caps.Own && s.OwnerID == p.ID)
}

// RequiresDelegation reports whether uploads by role must name a primary
// assignee. The role is matched the way ParseRole matches it.
func RequiresDelegation(role Role) bool {
	r, _ := ParseRole(string(role))
	return capabilities[r].RequiresDelegation
}
