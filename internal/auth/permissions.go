package auth

import "sort"

const (
	RoleSystemAdmin = "system_admin"
	RoleOTAdmin     = "ot_admin"
	RoleOT          = "ot"
	RolePendingOT   = "pending_ot"
)

const (
	PermClientsRead      = "clients.read"
	PermClientsWrite     = "clients.write"
	PermAssessmentsRead  = "assessments.read"
	PermAssessmentsWrite = "assessments.write"
	PermReferralsRead    = "referrals.read"
	PermReferralsWrite   = "referrals.write"
	PermProfileRead      = "profile.read"
	PermProfileWrite     = "profile.write"
	PermSignupsApprove   = "signups.approve"
	PermUsersManage      = "users.manage"
	PermAuditRead        = "audit.read"
)

var BuiltinRoles = []Role{
	{Name: RoleSystemAdmin, Description: "Platform administrator"},
	{Name: RoleOTAdmin, Description: "Practice administrator"},
	{Name: RoleOT, Description: "Occupational therapist"},
	{Name: RolePendingOT, Description: "Registered therapist awaiting approval"},
}

var BuiltinPermissions = []Permission{
	{Key: PermClientsRead, Description: "View clients"},
	{Key: PermClientsWrite, Description: "Create and edit clients"},
	{Key: PermAssessmentsRead, Description: "View assessments"},
	{Key: PermAssessmentsWrite, Description: "Create and edit assessments"},
	{Key: PermReferralsRead, Description: "View referrals"},
	{Key: PermReferralsWrite, Description: "Submit referrals"},
	{Key: PermProfileRead, Description: "View own profile"},
	{Key: PermProfileWrite, Description: "Edit own profile"},
	{Key: PermSignupsApprove, Description: "Approve or reject practitioner signups"},
	{Key: PermUsersManage, Description: "Manage users and role assignments"},
	{Key: PermAuditRead, Description: "Read the security event log"},
}

var practitionerGrants = []string{
	PermClientsRead, PermClientsWrite,
	PermAssessmentsRead, PermAssessmentsWrite,
	PermReferralsRead, PermReferralsWrite,
	PermProfileRead, PermProfileWrite,
}

// RoleGrants is the static role to permission mapping.
var RoleGrants = map[string][]string{
	RoleSystemAdmin: allPermissionKeys(),
	RoleOTAdmin:     append(append([]string{}, practitionerGrants...), PermSignupsApprove),
	RoleOT:          practitionerGrants,
	RolePendingOT:   {PermProfileRead, PermProfileWrite},
}

func allPermissionKeys() []string {
	keys := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		keys = append(keys, p.Key)
	}
	return keys
}

// IsBuiltinRole reports whether name is a known role.
func IsBuiltinRole(name string) bool {
	_, ok := RoleGrants[name]
	return ok
}

// PermissionsFor returns the sorted union of permissions granted to roles.
func PermissionsFor(roles []string) []string {
	set := make(map[string]struct{})
	for _, r := range roles {
		for _, p := range RoleGrants[r] {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
