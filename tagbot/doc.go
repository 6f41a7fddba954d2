// Package tagbot implements custom "tags" for a Discord bot: canned
// responses triggered by a prefix command (ex: '!hello'), managed by
// moderators through the /tag slash command.
//
// Key components of the package include:
//
//   - TagBot: Wires everything together and runs the bot.
//   - TagStore and TagCache: Persist tags with gorm, and keep an
//     in-memory copy for dispatch and autocomplete.
//   - RenderTag: Expands placeholders like <@author>, <@target>,
//     <@channel> and <@random [a|b|c]> in a tag's response.
//   - Discord: The discordgo session and gateway handlers.
//   - API: An admin HTTP API for inspecting tags and stats.
//   - StatsExporter: Appends daily usage counts to a Google Sheets
//     spreadsheet.
//   - ErrorReporter: Posts unexpected errors to a discord webhook.
//
// The /tag command has the following subcommands:
//
//   - create: Adds a tag with a response and/or attachment.
//   - modify: Replaces a tag's response and/or attachment.
//   - delete: Removes a tag, after confirmation.
//   - list: Lists the names of every tag.
//   - value: Shows a tag's raw response.
//   - help: Shows the placeholders a response can use.
//
// Every change made through /tag is announced in the configured mod log
// channel.
package tagbot
