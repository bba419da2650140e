// Package prompts contains the prompt text Scribe sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are assembled with fmt and strings.Builder and can be
// validated by tests. Operators may still replace the system prompt
// wholesale through agent.system_prompt in config.yaml.
package prompts
