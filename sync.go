package swagent

// PlanSync turns a software-list operation into the changes needed to reach
// it. Listed items that are missing are installed, listed items whose version
// or channel differs are updated, and anything installed but not listed is
// left alone.
func PlanSync(installed []InstalledSoftware, desired []SoftwareItem) []SoftwareItem {
	byName := make(map[string]InstalledSoftware, len(installed))
	for _, sw := range installed {
		byName[sw.Name] = sw
	}

	seen := make(map[string]struct{}, len(desired))
	plan := make([]SoftwareItem, 0, len(desired))
	for _, item := range desired {
		if item.Name == "" {
			continue
		}
		if _, dup := seen[item.Name]; dup {
			continue
		}
		seen[item.Name] = struct{}{}

		current, ok := byName[item.Name]
		if !ok {
			item.Action = ActionInstall
			plan = append(plan, item)
			continue
		}
		version, channel := SplitChannel(item.Version)
		if (version != "" && version != current.Version) || (channel != "" && channel != current.Channel) {
			item.Action = ActionUpdate
			plan = append(plan, item)
		}
	}
	return plan
}
