package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// XP Commands
// ===========================

const (
	MsgXPNotInGuild = "Not in a guild."
	MsgXPNoRecord   = "No XP recorded for that member yet."
	MsgXPLevelUp    = "🎉 <@%s> reached **level %d**!"
)

var XPManager *XPSystem

func init() {
	adminPerm := discord.PermissionAdministrator

	OnClientReady(func(ctx context.Context, client bot.Client) {
		XPManager = NewXPSystem(GlobalConfig)
		XPManager.OnLevelUp(func(key xpKey, level int) {
			announceLevelUp(client, key, level)
		})
		XPManager.RegisterWorkers(Scheduler)

		if GlobalConfig != nil && GlobalConfig.GuildID != "" {
			if guildID, err := snowflake.Parse(GlobalConfig.GuildID); err == nil {
				if err := XPManager.LoadGuild(ctx, guildID); err != nil {
					LogXP("Failed to hydrate XP state for guild %s: %v", guildID, err)
				}
			}
		}
	})

	RegisterMessageCreateHandler(func(event *events.GuildMessageCreate) {
		if event.Message.Author.Bot || XPManager == nil {
			return
		}
		XPManager.HandleMessage(event.GuildID, event.Message.Author.ID)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "xp",
		Description: "Chat activity levels",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "rank",
				Description: "Show a member's rank",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "member",
						Description: "Member to look up (defaults to you)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "top",
				Description: "Show the guild leaderboard",
			},
		},
	}, handleXP)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "xpadmin",
		Description:              "Manage member XP",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "set",
				Description: "Set a member's XP to an exact value",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "member",
						Description: "Member to modify",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "value",
						Description: "New XP value",
						Required:    true,
						MinValue:    intPtr(0),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "add",
				Description: "Add to (or subtract from) a member's XP",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "member",
						Description: "Member to modify",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "delta",
						Description: "Amount to add (negative to subtract)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "decay",
				Description: "Run an inactivity decay sweep now",
			},
		},
	}, handleXPAdmin)
}

func handleXP(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	guildID := event.GuildID()
	if guildID == nil || XPManager == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgXPNotInGuild, true)
		return
	}

	switch *data.SubCommandName {
	case "rank":
		target := event.User()
		if u, ok := data.OptUser("member"); ok {
			target = u
		}
		entry := XPManager.Rank(*guildID, target.ID)
		if entry == nil {
			_ = RespondInteractionV2(*event.Client(), event, MsgXPNoRecord, true)
			return
		}
		_ = RespondInteractionContainerV2(*event.Client(), event, NewV2Container(
			NewTextDisplay(fmt.Sprintf("**Rank #%d** — <@%s>", entry.Rank, target.ID)),
			NewTextDisplay(fmt.Sprintf("Level **%d** · %d XP", entry.Level, entry.XP)),
		), false)

	case "top":
		entries := XPManager.Top(*guildID, 10)
		if len(entries) == 0 {
			_ = RespondInteractionV2(*event.Client(), event, MsgXPNoRecord, true)
			return
		}
		var sb strings.Builder
		sb.WriteString("**Leaderboard**\n")
		for i, e := range entries {
			sb.WriteString(fmt.Sprintf("`%2d.` <@%s> — level %d (%d XP)\n", i+1, e.UserID, e.Level, e.XP))
		}
		_ = RespondInteractionContainerV2(*event.Client(), event, NewV2Container(NewTextDisplay(sb.String())), false)
	}
}

func handleXPAdmin(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	guildID := event.GuildID()
	if guildID == nil || XPManager == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgXPNotInGuild, true)
		return
	}

	switch *data.SubCommandName {
	case "set":
		target, _ := data.OptUser("member")
		value, _ := data.OptInt("value")
		XPManager.EnqueueSet(*guildID, target.ID, int64(value))
		_ = RespondInteractionV2(*event.Client(), event,
			fmt.Sprintf("Queued: <@%s> XP will be set to %d.", target.ID, value), true)

	case "add":
		target, _ := data.OptUser("member")
		delta, _ := data.OptInt("delta")
		XPManager.EnqueueAdd(*guildID, target.ID, int64(delta))
		_ = RespondInteractionV2(*event.Client(), event,
			fmt.Sprintf("Queued: <@%s> XP will change by %+d.", target.ID, delta), true)

	case "decay":
		XPManager.TriggerDecayScan()
		_ = RespondInteractionV2(*event.Client(), event, "Decay sweep started.", true)
	}
}

// announceLevelUp posts the level-up callout to the guild's system channel
// when one is configured.
func announceLevelUp(client bot.Client, key xpKey, level int) {
	guild, ok := client.Caches.Guild(key.GuildID)
	if !ok || guild.SystemChannelID == nil {
		return
	}
	_, _ = CreateMessageContainerV2(client, *guild.SystemChannelID,
		NewV2Container(NewTextDisplay(fmt.Sprintf(MsgXPLevelUp, key.UserID, level))))
}
