package wire

// WithPlatform returns a copy of m with the platform tag rewritten on the
// message and on every identity block that carries one. Blocks whose
// platform is already correct are shared with m rather than copied.
func (m *Message) WithPlatform(platform string) *Message {
	out := *m
	info := &out.Info
	info.Platform = platform
	info.Sender = partyWithPlatform(m.Info.Sender, platform)
	info.Receiver = partyWithPlatform(m.Info.Receiver, platform)
	info.Group = groupWithPlatform(m.Info.Group, platform)
	info.User = userWithPlatform(m.Info.User, platform)
	return &out
}

func partyWithPlatform(p *Party, platform string) *Party {
	if p == nil {
		return nil
	}
	g := groupWithPlatform(p.Group, platform)
	u := userWithPlatform(p.User, platform)
	if g == p.Group && u == p.User {
		return p
	}
	return &Party{Group: g, User: u}
}

func groupWithPlatform(g *GroupInfo, platform string) *GroupInfo {
	if g == nil || g.Platform == platform {
		return g
	}
	cp := *g
	cp.Platform = platform
	return &cp
}

func userWithPlatform(u *UserInfo, platform string) *UserInfo {
	if u == nil || u.Platform == platform {
		return u
	}
	cp := *u
	cp.Platform = platform
	return &cp
}
