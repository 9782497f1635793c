package council

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

// stage1Prompt builds the question each council member answers.
func stage1Prompt(query string, concise bool) string {
	if concise {
		return fmt.Sprintf(`Answer the following question concisely and directly. Be clear and informative, but avoid unnecessary verbosity. Aim for 2-3 focused paragraphs.

Question: %s`, query)
	}
	return query
}

// toolSystemPrompt wraps live tool results in an instruction that heads off
// training-cutoff refusals.
func toolSystemPrompt(toolBlock string) string {
	return fmt.Sprintf(`You have been provided with live data gathered moments ago by external tools. This data is current and accurate.

%s

Use this data to answer. Do NOT claim you lack internet access or that your training data is outdated; the data above is real-time.`, toolBlock)
}

// responsesBlock renders the anonymized stage-1 responses.
func responsesBlock(answers []ModelAnswer) string {
	var parts []string
	for i, a := range answers {
		parts = append(parts, fmt.Sprintf("%s:\n%s", labelFor(i), a.Response))
	}
	return strings.Join(parts, "\n\n")
}

// rankingPrompt builds the stage-2 evaluation prompt. Later rounds carry the
// previous round's rankings so reviewers see how responses evolved.
func rankingPrompt(query string, answers []ModelAnswer, round int, previous []Ranking, concise bool) string {
	responses := responsesBlock(answers)

	if concise && round == 1 {
		return fmt.Sprintf(`Evaluate these responses to: "%s"

%s

Briefly assess each response (1-2 sentences each), then provide:

FINAL RANKING:
1. Response X
2. Response Y
(etc.)`, query, responses)
	}

	if round == 1 {
		return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly, and rate it (e.g. "Response A (3/5)").
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A (4/5) provides good detail on X but misses Y...
Response B (3/5) is accurate but lacks depth on Z...
Response C (5/5) offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, query, responses)
	}

	var prevText strings.Builder
	for _, r := range previous {
		text := r.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Fprintf(&prevText, "Previous ranking by %s:\n%s\n\n", r.Model, text)
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question (Round %d):

Question: %s

Here are the responses from different models (anonymized):

%s

Previous rankings from Round %d:
%s
Your task:
1. Consider how the responses may have been refined based on previous feedback
2. Evaluate each current response individually and rate it (e.g. "Response A (3/5)")
3. Take into account the previous round's insights and rankings
4. Provide your updated ranking at the end

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")

Now provide your evaluation and ranking for Round %d:`, round, query, responses, round-1, prevText.String(), round)
}

// refinementPrompt asks the owning model to rework its answer using the
// council's feedback.
func refinementPrompt(query, original, feedback string) string {
	return fmt.Sprintf(`You previously provided this response to the question: "%s"

Your original response:
%s

Feedback from other models in the council:
%s

Based on this feedback, please refine your response. You may:
- Address any weaknesses mentioned in the feedback
- Build upon insights from other responses
- Maintain what was working well in your original response
- Improve clarity, accuracy, or completeness

Provide your refined response:`, query, original, feedback)
}

// supplementalBlock renders tool data gathered during the deliberation for
// the Presenter. Failed results are omitted.
func supplementalBlock(results []interfaces.ToolResult) string {
	var b strings.Builder
	for _, r := range results {
		if !r.Success {
			continue
		}
		output, err := json.Marshal(r.Output)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "TOOL RESULT from %s.%s: %s\n", r.Server, r.Tool, output)
	}
	if b.Len() == 0 {
		return ""
	}
	return "SUPPLEMENTAL TOOL DATA (gathered during deliberation):\n" + b.String()
}

// synthesisPrompt builds the stage-3 Presenter prompt. supplemental, when
// non-empty, carries tool data gathered between stages.
func synthesisPrompt(query string, answers []ModelAnswer, rankings []Ranking, supplemental string, concise bool) string {
	var stage1Text strings.Builder
	for _, a := range answers {
		fmt.Fprintf(&stage1Text, "Model: %s\nResponse: %s\n\n", a.Model, a.Response)
	}
	var stage2Text strings.Builder
	for _, r := range rankings {
		fmt.Fprintf(&stage2Text, "Model: %s\nRanking: %s\n\n", r.Model, r.Text)
	}
	if supplemental != "" {
		supplemental = "\n" + supplemental + "\nFold this live data into the answer; it is more current than the council's responses.\n"
	}

	if concise {
		return fmt.Sprintf(`As Presenter, synthesize the council's responses into a well-formatted, visually rich answer.

Question: %s

Council Responses:
%s
Rankings:
%s%s
Present the council's best insights using rich formatting to maximize clarity and visual appeal:
- Use **markdown tables** when comparing options, features, or data
- Use **numbered lists** for step-by-step instructions or ranked items
- Use **bullet points** for key takeaways or feature lists
- Use **headers** (##, ###) to organize sections clearly
- Use **code blocks** with syntax highlighting for any code examples
- Use **bold** and *italic* for emphasis on key terms
- Include ASCII diagrams or structured layouts where helpful
- Do NOT include images or image links of any kind

Aim for a comprehensive yet scannable answer that makes excellent use of the display area:`,
			query, stage1Text.String(), stage2Text.String(), supplemental)
	}

	return fmt.Sprintf(`You are the Presenter of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s
STAGE 2 - Peer Rankings:
%s%s
Your task as Presenter is to synthesize all of this information into a single, expertly formatted answer. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

**Formatting Requirements:**
- Use **markdown tables** for comparisons, data, or structured information
- Use **headers** (##, ###) to organize the response into clear sections
- Use **numbered lists** for sequential steps or ranked items
- Use **bullet points** for features, benefits, or key points
- Use **code blocks** with language tags for any code examples
- Use **bold** for key terms and *italic* for emphasis
- Include ASCII art diagrams where they add clarity
- Do NOT include images or image links of any kind
- Maximize use of visual structure to make the answer scannable and professional

Provide an expertly formatted final answer that represents the council's collective wisdom:`,
		query, stage1Text.String(), stage2Text.String(), supplemental)
}

// evaluationPrompt asks a peer model to grade one response.
func evaluationPrompt(query, response string) string {
	if len(response) > 2000 {
		response = response[:2000]
	}
	return fmt.Sprintf(`Evaluate the following response to a user query.
Rate each category from 1-5 (1=poor, 5=excellent).

User Query: %s

Response to evaluate:
%s

Rate the response on these categories:
1. VERBOSITY (1=too brief/too verbose, 5=perfectly balanced)
2. EXPERTISE (1=lacks knowledge, 5=expert-level insights)
3. ADHERENCE (1=ignores the question, 5=directly addresses it)
4. CLARITY (1=confusing, 5=crystal clear)
5. OVERALL (1=poor, 5=excellent)

Respond ONLY with a JSON object in this exact format:
{"verbosity": N, "expertise": N, "adherence": N, "clarity": N, "overall": N}`, query, response)
}
